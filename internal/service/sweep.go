package service

import (
	"context"
	"log"

	"github.com/policyengine/calcd/internal/scanloop"
)

// RunReportSweep periodically resumes pending reports that lost their
// watch, until stopCh is closed.
func (s *CalcService) RunReportSweep(stopCh <-chan struct{}) {
	scanloop.Run(stopCh, scanloop.ReportSweep, func() {
		if _, err := s.RecoverPendingReports(context.Background()); err != nil {
			log.Printf("[service] report sweep: %v", err)
		}
	})
}
