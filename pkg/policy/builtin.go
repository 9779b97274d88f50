package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		livePackagesPolicy(),
		keywordsPolicy(),
	}
}

// protectedPackagesPolicy refuses to unmerge packages the system cannot live
// without. Entries of protected_packages are globs over category/name.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Refuses to unmerge protected system packages",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "uninstall"},
		Rego: `package portagegt.policies.protected

import rego.v1

deny contains violation if {
	input.operation == "uninstall"
	some pattern in input.settings.protected_packages
	glob.match(pattern, ["/"], input.package.atom)
	violation := {
		"message": sprintf("%s is protected and cannot be unmerged", [input.package.atom]),
		"severity": "critical",
	}
}

# A resource labelled protected=true is guarded the same way.
deny contains violation if {
	input.operation == "uninstall"
	input.resource.labels.protected == "true"
	violation := {
		"message": sprintf("Resource %s is labelled protected and cannot be removed", [input.resource.id]),
		"severity": "critical",
	}
}
`,
	}
}

// livePackagesPolicy refuses live ebuilds unless allow_live is set.
func livePackagesPolicy() Policy {
	return Policy{
		Name:        "live-packages",
		Description: "Refuses to build live (dev version) ebuilds unless allow_live is set",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "install"},
		Rego: `package portagegt.policies.live

import rego.v1

build_operations := {"install", "update", "settings"}

deny contains violation if {
	build_operations[input.operation]
	input.package.version == input.settings.dev_version
	not input.settings.allow_live
	violation := {
		"message": sprintf("%s-%s is a live ebuild and allow_live is not set", [input.package.atom, input.package.version]),
		"severity": "error",
	}
}
`,
	}
}

// keywordsPolicy flags packages that accept any keyword.
func keywordsPolicy() Policy {
	return Policy{
		Name:        "keywords",
		Description: "Warns when a package accepts every keyword with **",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"keywords"},
		Rego: `package portagegt.policies.keywords

import rego.v1

deny contains violation if {
	some keyword in input.package.keywords
	keyword == "**"
	violation := {
		"message": sprintf("%s accepts any keyword (**), including broken ones", [input.package.atom]),
		"severity": "warning",
	}
}
`,
	}
}
