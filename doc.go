// Package artifactfetcher fetches container images and npm packages by
// speaking their distribution protocols directly, and republishes images to
// other registries.
//
// A [Service] runs every transfer as a background job. Each job owns a
// progress bus; callers subscribe to follow it and fetch the stored result
// once the terminal event arrives.
//
//	svc, err := artifactfetcher.New(
//	    artifactfetcher.WithStoreDir("/var/lib/artifactfetcher"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close(ctx)
//
//	id, err := svc.StartPull(artifactfetcher.PullRequest{
//	    Reference: "redis:7.2",
//	    Platform:  "linux/arm64",
//	})
//	if err != nil {
//	    return err
//	}
//	unsubscribe, _ := svc.Subscribe(id, func(e progress.Event) { ... })
//	defer unsubscribe()
//	j, err := svc.Wait(ctx, id)
//
// # Pushing
//
// StartPush publishes one loadable archive to a target registry;
// StartBatchPush publishes several, reporting per-image results instead of
// failing on the first error.
//
// # Results
//
// Pull and npm jobs store their archive in a [storage.Store]. OpenResult
// streams it; Delete removes the job and the stored archive.
package artifactfetcher
