// Package policy guards package operations with Open Policy Agent (OPA)
// Rego policies.
//
// Before the provider installs, unmerges or rebuilds a package it builds an
// Input describing the operation and the resolved package and asks the
// Engine to Check it. Every enabled policy is evaluated and its deny set
// collected. Violations of severity error or critical block the operation;
// lower severities are reported as warnings.
//
// # Built-in policies
//
//   - protected-packages: refuses to unmerge packages matching a glob in
//     protected_packages, or resources labelled protected=true
//   - live-packages: refuses live (dev version) ebuilds unless allow_live is set
//   - keywords: warns when a package accepts every keyword with **
//
// # Modes
//
// In enforcing mode Check returns an engine.EngineError with code
// POLICY_DENIED. In advisory mode the denial is logged and the operation
// proceeds.
//
// # Site policies
//
// Additional policies are loaded from .rego files, JSON policy files or JSON
// bundles:
//
//	eng, err := policy.NewEngine(logger, policy.OptionsFromConfig(cfg))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//
// A site policy reads the same input document as the built-ins:
//
//	package site.overlays
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "install"
//	    input.package.repository != "gentoo"
//	    violation := {"message": "overlays are not allowed", "severity": "error"}
//	}
//
// Watch reloads the site policies when their files change. Built-in policies
// are never replaced by a reload unless a site policy reuses their name.
package policy
