package logging

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...any) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...any) {
	Get(CategoryBoot).Debug(format, args...)
}

// Session logs to the session category
func Session(format string, args ...any) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...any) {
	Get(CategorySession).Debug(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...any) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...any) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...any) {
	Get(CategoryScheduler).Warn(format, args...)
}

// SchedulerError logs error to the scheduler category
func SchedulerError(format string, args ...any) {
	Get(CategoryScheduler).Error(format, args...)
}

// LLM logs to the llm category
func LLM(format string, args ...any) {
	Get(CategoryLLM).Info(format, args...)
}

// LLMDebug logs debug to the llm category
func LLMDebug(format string, args ...any) {
	Get(CategoryLLM).Debug(format, args...)
}

// LLMWarn logs warning to the llm category
func LLMWarn(format string, args ...any) {
	Get(CategoryLLM).Warn(format, args...)
}

// LLMError logs error to the llm category
func LLMError(format string, args ...any) {
	Get(CategoryLLM).Error(format, args...)
}

// Planner logs to the planner category
func Planner(format string, args ...any) {
	Get(CategoryPlanner).Info(format, args...)
}

// PlannerDebug logs debug to the planner category
func PlannerDebug(format string, args ...any) {
	Get(CategoryPlanner).Debug(format, args...)
}

// PlannerWarn logs warning to the planner category
func PlannerWarn(format string, args ...any) {
	Get(CategoryPlanner).Warn(format, args...)
}

// Alternatives logs to the alternatives category
func Alternatives(format string, args ...any) {
	Get(CategoryAlternatives).Info(format, args...)
}

// AlternativesDebug logs debug to the alternatives category
func AlternativesDebug(format string, args ...any) {
	Get(CategoryAlternatives).Debug(format, args...)
}

// Metacog logs to the metacog category
func Metacog(format string, args ...any) {
	Get(CategoryMetacog).Info(format, args...)
}

// MetacogDebug logs debug to the metacog category
func MetacogDebug(format string, args ...any) {
	Get(CategoryMetacog).Debug(format, args...)
}

// Tools logs to the tools category
func Tools(format string, args ...any) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...any) {
	Get(CategoryTools).Debug(format, args...)
}

// ToolsWarn logs warning to the tools category
func ToolsWarn(format string, args ...any) {
	Get(CategoryTools).Warn(format, args...)
}

// ToolsError logs error to the tools category
func ToolsError(format string, args ...any) {
	Get(CategoryTools).Error(format, args...)
}

// Progress logs to the progress category
func Progress(format string, args ...any) {
	Get(CategoryProgress).Info(format, args...)
}

// ProgressDebug logs debug to the progress category
func ProgressDebug(format string, args ...any) {
	Get(CategoryProgress).Debug(format, args...)
}

// Recovery logs to the recovery category
func Recovery(format string, args ...any) {
	Get(CategoryRecovery).Info(format, args...)
}

// RecoveryDebug logs debug to the recovery category
func RecoveryDebug(format string, args ...any) {
	Get(CategoryRecovery).Debug(format, args...)
}

// RecoveryWarn logs warning to the recovery category
func RecoveryWarn(format string, args ...any) {
	Get(CategoryRecovery).Warn(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...any) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...any) {
	Get(CategoryMemory).Debug(format, args...)
}

// MemoryWarn logs warning to the memory category
func MemoryWarn(format string, args ...any) {
	Get(CategoryMemory).Warn(format, args...)
}

// MemoryError logs error to the memory category
func MemoryError(format string, args ...any) {
	Get(CategoryMemory).Error(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...any) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...any) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// EmbeddingWarn logs warning to the embedding category
func EmbeddingWarn(format string, args ...any) {
	Get(CategoryEmbedding).Warn(format, args...)
}

// ContextLog logs to the contextlog category
func ContextLog(format string, args ...any) {
	Get(CategoryContextLog).Info(format, args...)
}

// ContextLogDebug logs debug to the contextlog category
func ContextLogDebug(format string, args ...any) {
	Get(CategoryContextLog).Debug(format, args...)
}

// Checkpoint logs to the checkpoint category
func Checkpoint(format string, args ...any) {
	Get(CategoryCheckpoint).Info(format, args...)
}

// CheckpointDebug logs debug to the checkpoint category
func CheckpointDebug(format string, args ...any) {
	Get(CategoryCheckpoint).Debug(format, args...)
}

// TaskGen logs to the taskgen category
func TaskGen(format string, args ...any) {
	Get(CategoryTaskGen).Info(format, args...)
}

// TaskGenDebug logs debug to the taskgen category
func TaskGenDebug(format string, args ...any) {
	Get(CategoryTaskGen).Debug(format, args...)
}

// TaskGenWarn logs a warning to the taskgen category
func TaskGenWarn(format string, args ...any) {
	Get(CategoryTaskGen).Warn(format, args...)
}
