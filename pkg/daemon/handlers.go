package daemon

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/config"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/touchstone"
	"github.com/rflab/vnacal/pkg/version"
)

var errNoStore = pkgerrors.New("calibration store is not available")

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", getVersion)
	router.GET("/config", s.getConfig)
	router.PUT("/config/instrument", s.setInstrument)
	router.PUT("/config/fixture", s.setFixture)
	router.GET("/calibration/status", s.getStatus)
	router.POST("/calibration/start", s.startRun)
	router.POST("/calibration/cancel", s.cancelRun)
	router.GET("/calibration/coefficients", s.getCoefficients)
	router.GET("/calibration/dut", s.getLastDUT)
	router.POST("/calibration/apply", s.applyCalibration)
	router.GET("/calibrations", s.listCalibrations)
	router.GET("/calibrations/:id", s.getCalibration)
	router.DELETE("/calibrations/:id", s.deleteCalibration)
	router.POST("/calibrations/:id/load", s.loadCalibration)
	router.GET("/calibrations/:id/measurements", s.listMeasurements)
	router.GET("/measurements/:id", s.getMeasurement)
	router.GET("/schedule", s.getSchedule)
	router.PUT("/schedule", s.setSchedule)
	router.POST("/schedule/skip", s.skipSchedule)
	router.GET("/events", s.streamEvents)

	return router
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (s *Server) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(s.conf)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (s *Server) setInstrument(c *gin.Context) {
	var in config.InstrumentSettings
	if err := c.BindJSON(&in); err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	if s.seq.Status().Phase.Busy() {
		abortWithStatus(c, http.StatusConflict, pkgerrors.New("cannot switch instruments during a run"))
		return
	}

	prevTransport := s.conf.InstrumentTransport()
	prevAddress := s.conf.InstrumentAddress()
	if prevTransport == config.TransportPrologix {
		prevAddress = s.conf.SerialPort()
	}

	s.conf.SetInstrument(in.Transport, in.Address)
	if err := s.conf.Validate(); err != nil {
		s.conf.SetInstrument(prevTransport, prevAddress)
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	if err := s.saveAndReconfigure(); err != nil {
		abortWithError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{"transport": in.Transport, "address": in.Address}).Info("instrument changed")
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("instrument set to %s %s", in.Transport, in.Address))
}

func (s *Server) setFixture(c *gin.Context) {
	var p string
	if err := c.BindJSON(&p); err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	if p != "" {
		if _, err := touchstone.ReadFile(p); err != nil {
			abortWithStatus(c, http.StatusBadRequest, err)
			return
		}
	}

	s.conf.SetFixturePath(p)
	if err := s.saveAndReconfigure(); err != nil {
		abortWithError(c, err)
		return
	}

	msg := "fixture de-embedding disabled"
	if p != "" {
		msg = "fixture set to " + p
	}
	logrus.Info(msg)
	c.IndentedJSON(http.StatusCreated, msg)
}

func (s *Server) saveAndReconfigure() error {
	if err := s.conf.Save(); err != nil {
		return pkgerrors.Wrap(err, "failed to save config")
	}
	return s.reconfigure()
}

func (s *Server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.seq.Status())
}

func (s *Server) startRun(c *gin.Context) {
	var p calibration.Params
	if err := c.BindJSON(&p); err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	if err := s.startCalibration(p); err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, s.seq.Status())
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.seq.Cancel(); err != nil {
		abortWithError(c, err)
		return
	}
	logrus.Info("calibration canceled")
	c.IndentedJSON(http.StatusOK, s.seq.Status())
}

func (s *Server) getCoefficients(c *gin.Context) {
	coeffs, id, ok := s.seq.Calibration()
	if !ok {
		abortWithStatus(c, http.StatusNotFound, pkgerrors.New("no calibration available"))
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"id": id, "coefficients": coeffs})
}

func (s *Server) getLastDUT(c *gin.Context) {
	res, ok := s.seq.LastDUT()
	if !ok {
		abortWithStatus(c, http.StatusNotFound, pkgerrors.New("no DUT has been measured"))
		return
	}
	n := res.CorrectedDUT
	if raw, _ := strconv.ParseBool(c.Query("raw")); raw {
		n = res.RawDUT
	}
	writeNetwork(c, n)
}

// applyCalibration corrects a Touchstone body with the current calibration.
func (s *Server) applyCalibration(c *gin.Context) {
	dut, err := touchstone.Read(c.Request.Body)
	if err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	corrected, err := s.seq.Apply(dut)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if s.store != nil {
		if _, calID, ok := s.seq.Calibration(); ok {
			id, err := s.store.SaveMeasurement(c.Request.Context(), calID, dut, corrected)
			if err != nil {
				logrus.WithError(err).Warn("failed to record measurement")
			} else {
				c.Header("X-Measurement-ID", id)
			}
		}
	}
	writeNetwork(c, corrected)
}

func (s *Server) listCalibrations(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil {
			abortWithStatus(c, http.StatusBadRequest, pkgerrors.Wrap(err, "invalid limit"))
			return
		}
	}
	list, err := s.store.ListCalibrations(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, list)
}

func (s *Server) getCalibration(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	rec, err := s.store.Calibration(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

func (s *Server) deleteCalibration(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	id := c.Param("id")
	if _, current, ok := s.seq.Calibration(); ok && current == id {
		abortWithStatus(c, http.StatusConflict, pkgerrors.Errorf("calibration %s is in use", id))
		return
	}
	if err := s.store.DeleteCalibration(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	logrus.WithField("id", id).Info("calibration deleted")
	c.IndentedJSON(http.StatusOK, "deleted "+id)
}

// loadCalibration makes a stored calibration the active one.
func (s *Server) loadCalibration(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	rec, err := s.store.Calibration(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.seq.SetCalibration(rec.ID, rec.Coefficients); err != nil {
		abortWithError(c, err)
		return
	}
	logrus.WithField("id", rec.ID).Info("calibration loaded")
	c.IndentedJSON(http.StatusOK, s.seq.Status())
}

func (s *Server) listMeasurements(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	list, err := s.store.ListMeasurements(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, list)
}

func (s *Server) getMeasurement(c *gin.Context) {
	if s.store == nil {
		abortWithError(c, errNoStore)
		return
	}
	m, err := s.store.Measurement(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	n := m.Corrected
	if raw, _ := strconv.ParseBool(c.Query("raw")); raw {
		n = m.Raw
	}
	writeNetwork(c, n)
}

func (s *Server) getSchedule(c *gin.Context) {
	expr, next, running := s.scheduler.Status()
	sch := calibration.Schedule{Cron: expr, Running: running}
	if !next.IsZero() {
		sch.NextRuns = []time.Time{next}
		if sh, err := ParseCron(expr); err == nil {
			sch.NextRuns = append(sch.NextRuns, NextRuns(sh, next, 2)...)
		}
	}
	c.IndentedJSON(http.StatusOK, sch)
}

func (s *Server) setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abortWithStatus(c, http.StatusBadRequest, err)
		return
	}
	runs, err := s.schedule(expr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	_, _, running := s.scheduler.Status()
	c.IndentedJSON(http.StatusCreated, calibration.Schedule{Cron: expr, NextRuns: runs, Running: running})
}

func (s *Server) skipSchedule(c *gin.Context) {
	if err := s.scheduler.Skip(); err != nil {
		abortWithStatus(c, http.StatusConflict, err)
		return
	}
	_, next, _ := s.scheduler.Status()
	c.IndentedJSON(http.StatusOK, fmt.Sprintf("next recalibration at %s", next.Format(time.RFC3339)))
}

// streamEvents relays hub events as server-sent events until the client
// goes away.
func (s *Server) streamEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
				return false
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// writeNetwork replies with n as Touchstone text.
func writeNetwork(c *gin.Context, n *network.Network) {
	var buf bytes.Buffer
	if err := touchstone.Write(&buf, n); err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
