// Package risk scores client accounts for churn likelihood and suspicious
// activity from license state, machine liveness and the usage-event window.
//
// Evaluation is a pure function of the snapshots it reads plus the injected
// clock: identical inputs produce identical assessments, with contributing
// factors emitted in a fixed order. The engine never mutates license or
// machine state; its only side effects are alert emission (best-effort,
// asynchronous from the caller's perspective) and an optional result cache.
//
// Churn scoring sums four bounded factors (offline ratio, license state,
// activity trend, renewal staleness) and maps the cumulative score to a
// level through the configured cut points. The suspicious flag is the OR of
// four independently evaluable rules, each carrying its literal threshold
// from configuration: an offline cluster, sustained resource abuse, repeated
// failed access attempts, and configuration-change churn.
package risk
