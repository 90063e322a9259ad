package bluetooth

// DataGetter returns borrowed application storage for the provided
// hierarchical name (for example "battery/level"), or nil when the name
// is unknown. It may be called from the session's loop goroutine at any
// time; thread safety of the underlying storage is the application's
// responsibility.
type DataGetter func(name string) any

// DataSetter writes an updated value into application storage for the
// provided hierarchical name, and reports whether the value was accepted.
// The same thread-safety contract as DataGetter applies.
type DataSetter func(name string, value any) bool
