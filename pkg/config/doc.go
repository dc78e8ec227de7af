// Package config loads delivery machine configuration.
//
// A machine is configured by a CUE file, a CUE package directory or a YAML
// file. CUE input is checked against the #Machine schema before decoding;
// both formats then get defaults and struct validation:
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(ctx, "machine.cue")
//
// A minimal CUE configuration:
//
//	name:           "delivery"
//	default_branch: "main"
//	workspace:      "/var/lib/sdm/checkouts"
//	store: path:    "/var/lib/sdm/sdm.db"
//	deploy: staging: endpoint: "https://{repo}-{branch}.staging.example.com"
//	predicates: IsPinned: """
//	    def test(push):
//	        return push.get("labels", {}).get("pinned") == "true"
//	    """
//	contributors: [{name: "pinned-build", predicates: ["IsPinned"], goals: ["Build"]}]
//
// Predicates are Starlark scripts defining test(push); they run with a time
// limit and without print or load. Contributors propose catalogue goals for
// pushes satisfying all of their predicates.
package config
