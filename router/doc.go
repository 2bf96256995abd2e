// Package router is a small integration engine: endpoints addressed by uri,
// consumers that feed exchanges into processors, producers that send them out,
// and routes chaining both.
//
// Components are registered per uri scheme on a Context:
//
//	rctx := router.NewContext(router.WithComponent("direct", direct.NewComponent()))
//	_ = rctx.AddRoutes(ctx, router.From("direct:start").Transform(router.Constant("OK")))
//	_ = rctx.Start(ctx)
//
// Every Processor returns a *Completion which may already be resolved or be
// resolved later from another goroutine.
package router
