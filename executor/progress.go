package executor

// Translator maps chunk-local progress to the job-global percentage the farm
// displays. A task covering items [itemStart, itemStart+itemCount) of a
// batchCount-item job, currently on chunk item i at local percent p, sits at
//
//	((itemStart + i + p/100) / batchCount) * 100
//
// overall. The translator also holds the reported value monotonic: the farm
// never sees progress move backwards within one task run.
type Translator struct {
	itemStart  int
	itemCount  int
	batchCount int
	high       float64
}

// NewTranslator builds a translator for one task's item range.
func NewTranslator(itemStart, itemCount, batchCount int) *Translator {
	if batchCount < 1 {
		batchCount = 1
	}
	return &Translator{itemStart: itemStart, itemCount: itemCount, batchCount: batchCount}
}

// Overall converts local progress for chunk item i (0-based within the task)
// into the global percentage, clamped to [0,100] and held monotonic.
func (t *Translator) Overall(item int, local float64) float64 {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}
	done := float64(t.itemStart+item) + local/100
	overall := done / float64(t.batchCount) * 100
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}
	if overall < t.high {
		return t.high
	}
	t.high = overall
	return overall
}
