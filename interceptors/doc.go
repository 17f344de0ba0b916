// Package interceptors runs inbound inbox and group events through a chain of
// interceptors before they reach the registered listeners.
//
// Interceptors run in the order they are added, on the session's dispatch
// goroutine. An interceptor that does not call next drops the event; an error
// returned from the chain is reported to the error listeners.
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewDuplicateDetectionInterceptor(interceptors.NewMemoryDuplicateDetector(1024))).
//		Add(interceptors.NewFilteringInterceptor(interceptors.NewKindFilter(interceptors.KindInbox), interceptors.SkipSilently))
//
//	client, err := mchat.NewClient(transport, "E1001", mchat.WithEventInterceptors(chain))
package interceptors
