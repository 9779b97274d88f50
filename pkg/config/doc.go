// Package config loads the portagegt runtime configuration and the resource
// manifests it reconciles.
//
// # Runtime configuration
//
// Config is read from YAML over the defaults returned by Default. The
// portage section keeps the classic option names:
//
//	portage:
//	  defaultSlot: "0"
//	  defaultRepository: gentoo
//	  eixRunUpdate: true
//	  eixRunSync: false
//	  useChange: true
//	  syncPolicy: flag_set
//	state:
//	  path: /var/lib/portagegt/state.db
//	policy:
//	  mode: enforcing
//	  protected_packages: [sys-apps/portage]
//
// Validation uses go-playground/validator struct tags plus rules spanning
// fields, such as eixRunSync requiring eixRunUpdate.
//
// # Manifests
//
// Manifests are CUE files or directories. Resources are declared either in
// the concise form keyed by title, or in a "resources" block:
//
//	"package": {
//	    "dev-db/mysql": {
//	        ensure: "latest"
//	        package_settings: {use: "ssl -ldap", slot: "5.5"}
//	    }
//	}
//
//	eselect: ruby: ensure: "ruby20"
//
//	resources: {
//	    python: {
//	        type: "package"
//	        name: "dev-lang/python"
//	        config: ensure: "3.4.0"
//	    }
//	}
//
// "package" must be quoted because it is a CUE keyword. Every declaration is
// checked against the #Package or #Eselect CUE definition.
//
// Files ending in .star are evaluated as Starlark and declare resources with
// the package() and eselect() builtins. Evaluation is sandboxed: no file or
// network access, print is discarded and a timeout applies.
package config
