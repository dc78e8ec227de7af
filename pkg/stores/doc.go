// Package stores persists delivery history in SQLite: recorded runs and
// their goal results, lifecycle events, deployment freezes and an audit
// trail. The schema is managed with embedded migrations.
package stores
