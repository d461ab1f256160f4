package worker

// TrialMatchAlias is the index configuration key that stands for the run's
// match document collection.
const TrialMatchAlias = "trial_match"

// ClinicalIDField is the ledger field holding the clinical id.
const ClinicalIDField = "clinical_id"

// RunHistoryCollection is the per-clinical run history ledger for a match
// collection.
func RunHistoryCollection(trialMatchCollection string) string {
	return "clinical_run_history_" + trialMatchCollection
}

// RunLogCollection holds one summary document per trial per run.
func RunLogCollection(trialMatchCollection string) string {
	return "run_log_" + trialMatchCollection
}
