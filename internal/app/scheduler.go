package app

import (
	"context"
	"fmt"
	"strings"

	cronv3 "github.com/robfig/cron/v3"
)

var cronParser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// startModelRefresh schedules periodic model discovery when a cron spec is
// configured.
func (s *Server) startModelRefresh() error {
	spec := strings.TrimSpace(s.cfg.ModelRefreshCron)
	if spec == "" {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid model refresh schedule %q: %w", spec, err)
	}

	log := s.logger.WithField("component", "scheduler")
	s.cron = cronv3.New(
		cronv3.WithParser(cronParser),
		cronv3.WithChain(cronv3.SkipIfStillRunning(cronv3.PrintfLogger(log))),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.refreshModels(s.bgCtx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.WithField("schedule", spec).Info("model refresh scheduled")
	return nil
}

func (s *Server) refreshModels(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	models, err := s.discoveryService.Discover(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("scheduled model refresh failed")
		return
	}
	s.logger.WithField("count", len(models)).Debug("scheduled model refresh finished")
}

func (s *Server) stopModelRefresh() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
