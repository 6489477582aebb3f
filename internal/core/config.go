package core

// EngineConfig holds runtime configuration for a single engine context.
type EngineConfig struct {
	MemoryLimitMB int  // per-context memory limit, 0 for none
	Debug         bool // enables same-goroutine assertions
}
