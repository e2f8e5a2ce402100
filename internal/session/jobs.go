// SPDX-License-Identifier: AGPL-3.0-only
package session

import (
	"context"
	"time"

	"github.com/BiproDe/AKS-AI-Agent/internal/model"
)

// RunJob serves a report job in a fresh session: it starts the session,
// asks the job prompt and ends the session. The session id is returned
// even when the turn fails.
func (m *Manager) RunJob(ctx context.Context, job *model.ReportJob, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s, err := m.StartFrom(ctx, OriginSchedule)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := s.End(); err != nil {
			s.logger.Warnf("Failed to end report session: %v", err)
		}
	}()

	s.logger.Infof("Running report job %s", job.Name)
	_, err = s.Ask(ctx, job.Prompt)
	return s.ID(), err
}
