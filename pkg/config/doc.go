// Package config loads the actuator configuration file and ActionPlan
// documents.
//
// # Configuration
//
// The configuration is a YAML file decoded over Default, then validated with
// struct tags. Relative paths are resolved against the file's directory.
//
//	database:
//	  driver: sqlite
//	  path: data/actuator.db
//	ledger:
//	  backend: badger
//	  dir: data/ledger
//	  ttl: 24h
//	retry:
//	  base_delay: 1s
//	  max_delay: 30s
//	  max_retries: 3
//	policy:
//	  rules_dir: rules
//	  watch: true
//	credentials:
//	  file: credentials.yaml
//	quotas:
//	  ads: {rate: 5, burst: 10}
//
// # Action plans
//
// PlanLoader reads plans written in CUE, JSON or YAML. Every document is
// unified with the built-in #ActionPlan schema before it is decoded, so
// unknown fields, malformed operation names and bad priorities are reported
// with their position:
//
//	loader := config.NewPlanLoader()
//	plan, err := loader.LoadPlan(ctx, "plans/spring.cue")
//	if err != nil {
//	    var perr *config.PlanError
//	    if errors.As(err, &perr) {
//	        for _, ve := range perr.Errors {
//	            fmt.Println(ve)
//	        }
//	    }
//	}
//
// A CUE plan is an ordinary CUE file whose top-level fields form the plan:
//
//	plan_id:   "plan-42"
//	tenant_id: "acme"
//	operations: [{
//	    operation_name: "update_campaign_budget@v1"
//	    priority:       "HIGH"
//	    params: {budget_id: "c1", new_budget: 130, previous_budget: 100}
//	}]
package config
