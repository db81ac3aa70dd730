package daemon

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/sequencer"
)

// startCalibration hands p to the sequencer's background worker.
func (s *Server) startCalibration(p calibration.Params) error {
	if err := s.seq.Start(p); err != nil {
		return err
	}
	logrus.WithField("params", p.String()).Info("calibration started")
	s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionStart),
		Message: "Calibration started: " + p.String(),
		Ts:      time.Now().Unix(),
	})
	return nil
}

// recalibrationParams derives a full SOLT run from the last accepted run.
func (s *Server) recalibrationParams() (calibration.Params, error) {
	p, ok := s.seq.LastParams()
	if !ok {
		return calibration.Params{}, pkgerrors.New("no previous calibration run to repeat")
	}
	p.Standards = append([]calibration.Standard(nil), calibration.Required...)
	p.Ports = "2"
	return p, nil
}

// recalibrate is the scheduled task.
func (s *Server) recalibrate() error {
	p, err := s.recalibrationParams()
	if err != nil {
		return err
	}
	s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionStart),
		Message: "Scheduled recalibration started",
		Ts:      time.Now().Unix(),
	})
	res, err := s.seq.Run(context.Background(), p)
	if err != nil {
		return err
	}
	logrus.WithField("calibrationId", res.CalibrationID).Info("scheduled recalibration finished")
	return nil
}

func (s *Server) recalibrationPreCheck() error {
	if s.seq.Status().Phase.Busy() {
		return sequencer.ErrInProgress
	}
	_, err := s.recalibrationParams()
	return err
}

func (s *Server) onUpcomingRecalibration(runAt time.Time) {
	s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Recalibration scheduled at %s", runAt.Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})
}

func (s *Server) onScheduleError(err error) {
	logrus.WithError(err).Error("scheduled recalibration failed")
	s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: err.Error(),
		Ts:      time.Now().Unix(),
	})
}

// schedule persists cronExpr and returns the next three runs. An empty
// expression disables scheduled recalibration.
func (s *Server) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if s.conf.Cron() == "" {
			// Already disabled
			return nil, nil
		}

		s.conf.SetCron("")
		if err := s.conf.Save(); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to save config")
		}
		s.scheduler.Disable()
		s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
			Action:  string(calibration.ActionDisableSchedule),
			Message: "Recalibration schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	sh, err := ParseCron(cronExpr)
	if err != nil {
		return nil, pkgerrors.Wrap(calibration.ErrValidation, err.Error())
	}

	s.conf.SetCron(cronExpr)
	if err := s.conf.Save(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to save config")
	}
	if err := s.applySchedule(); err != nil {
		return nil, err
	}

	nextRuns := NextRuns(sh, time.Now(), 3)
	s.hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Recalibration scheduled at %s", nextRuns[0].Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})
	return nextRuns, nil
}
