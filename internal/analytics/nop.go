package analytics

import "peercall/internal/domain"

// Nop discards everything. Useful for tests and embedders that bring
// their own monitoring.
type Nop struct{}

func (Nop) RecordCallQuality(domain.CallQualityReport) {}
func (Nop) RecordUsage(domain.CallUsageReport)         {}
func (Nop) RecordError(domain.ErrorEvent)              {}
