// Package readiness schedules the introspection of proxy features.
//
// A proxy declares its features as a Graph: each feature names its
// prerequisites, the remote interfaces it requires, and an IntrospectFunc
// that fetches the state it guards. A Scheduler drives requested features
// and their prerequisites to a terminal status:
//
//	graph, err := readiness.NewGraph("core",
//		readiness.Spec{Name: "core", Introspect: fetchCore},
//		readiness.Spec{Name: "avatar", DependsOn: []readiness.Feature{"core"},
//			Interfaces: []string{avatarIface}, Introspect: fetchAvatar},
//	)
//	sched := readiness.NewScheduler(l, graph, readiness.Options{})
//	sched.SetInterfaces(discovered)
//	err = sched.RequestReady("avatar").Wait(ctx)
//
// Introspection of a feature starts once all its prerequisites are Ready and
// the interface set is known. A feature whose interface is missing becomes
// Inapplicable without being introspected, and so do its dependents.
// Concurrent requests share in-flight work; no feature is introspected twice.
package readiness
