// Package harness executes declarative train-pass scenarios.
//
// A scenario YAML names the sessions and queue to build, scripts the
// check verdicts and merge failures, and states the expected pass
// accounting:
//
//	name: mixed_pass
//	description: "one merge, one kick, one draft skipped"
//	sessions:
//	  - name: alpha
//	  - name: beta
//	  - name: gamma
//	queue:
//	  - session: alpha
//	  - session: beta
//	    draft: true
//	  - session: gamma
//	verdicts:
//	  gamma:
//	    passed: false
//	    detail: "conflicts with trunk"
//	expect:
//	  merged: 1
//	  kicked: 1
//	  still_active: 1
//	  kicked_sessions: [gamma]
//
// Execution is fully deterministic: a fixed clock stamps envelopes and
// a sequential generator supplies idempotency keys and lease IDs, so
// the record stream and state digest are stable for golden comparison.
package harness
