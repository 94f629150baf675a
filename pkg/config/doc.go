// Package config holds the settings of the async runtime and keeps them in
// sync with a central configuration service.
//
// # Layers
//
// A [Store] resolves [Settings] from three layers, lowest first:
//
//   - built-in defaults ([DefaultSettings]): 1000ms timeout, 10ms interval
//   - values of the "async" section of an attached [Service]
//   - explicit overrides made through [Store.Set]
//
// Layers are merged with mergo and the result is validated with
// validator/v10 before it becomes effective, so an invalid value never
// replaces a valid one.
//
// # Central service
//
// [Store.Attach] reads the section once and subscribes to changes. A change
// pushed for a key replaces that key's override only when the override was
// set before the last central read; overrides made after it survive.
//
// Two implementations are provided. [MemoryService] keeps everything in
// process. [FileService] loads a YAML or CUE file, persists YAML writes and
// can watch the file with fsnotify:
//
//	svc, err := config.NewFileService("asynctest.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := svc.Watch(ctx); err != nil {
//	    return err
//	}
//	store := config.NewStore()
//	if err := store.Attach(svc); err != nil {
//	    return err
//	}
//
// # Values
//
// Durations are Go duration strings ("250ms") or numbers of milliseconds.
//
//	async:
//	  defaultTimeout: 2s
//	  checkInterval: 25
//	  maxParallel: 4
//	  strategy: sequential
//	  debug: true
package config
