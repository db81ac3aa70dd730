package daemon

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/sequencer"
	"github.com/rflab/vnacal/pkg/solt"
	"github.com/rflab/vnacal/pkg/store"
)

// ginLogger logs every request through logger. The level follows the status
// code and the SSE stream is only logged at debug level.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		statusCode := c.Writer.Status()
		dataLength := max(c.Writer.Size(), 0)

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // ms
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.WithField("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()).Error(msg)
		case statusCode >= http.StatusBadRequest:
			entry.WithField("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()).Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calibration.ErrValidation),
		errors.Is(err, solt.ErrInsufficientStandards),
		errors.Is(err, network.ErrRange),
		errors.Is(err, network.ErrInvalidNetwork):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sequencer.ErrInProgress),
		errors.Is(err, sequencer.ErrNotRunning),
		errors.Is(err, sequencer.ErrNotCalibrated):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	abortWithStatus(c, statusFor(err), err)
}

func abortWithStatus(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.Error(err)
	c.Abort()
}
