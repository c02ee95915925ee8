package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-recorder/internal/control"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/gallery"
	"github.com/e7canasta/orion-recorder/internal/recorder"
	"github.com/e7canasta/orion-recorder/internal/session"
)

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrBadParameter), errors.Is(err, controls.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrUnknownCommand), errors.Is(err, gallery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrNotPreviewing),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrRecordingActive),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) do(c *gin.Context, name string, params map[string]interface{}) {
	data, err := s.dispatcher.Do(c.Request.Context(), control.Command{Command: name, Params: params})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// command returns a handler for a parameterless command.
func (s *Server) command(name string) gin.HandlerFunc {
	return func(c *gin.Context) { s.do(c, name, nil) }
}

type openRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) openDevice(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}
	s.do(c, "open_device", map[string]interface{}{"device_id": req.DeviceID})
}

type profileRequest struct {
	ID   *int   `json:"id"`
	Name string `json:"name"`
}

func (s *Server) setProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if req.ID == nil && req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id or name is required"})
		return
	}

	params := map[string]interface{}{"name": req.Name}
	if req.ID != nil {
		params["id"] = float64(*req.ID)
	}
	s.do(c, "set_color_profile", params)
}

type controlsRequest struct {
	Mode          string   `json:"mode"`
	ISO           *int     `json:"iso"`
	ExposureNs    *int64   `json:"exposure_ns"`
	FocusDiopters *float64 `json:"focus_diopters"`
	WhiteBalanceK *int     `json:"white_balance_k"`
}

func (r controlsRequest) commands() []control.Command {
	if r.Mode == "auto" {
		return []control.Command{{Command: "set_auto"}}
	}
	var cmds []control.Command
	if r.ISO != nil {
		cmds = append(cmds, control.Command{Command: "set_iso", Params: map[string]interface{}{"iso": float64(*r.ISO)}})
	}
	if r.ExposureNs != nil {
		cmds = append(cmds, control.Command{Command: "set_exposure", Params: map[string]interface{}{"exposure_ns": float64(*r.ExposureNs)}})
	}
	if r.FocusDiopters != nil {
		cmds = append(cmds, control.Command{Command: "set_focus", Params: map[string]interface{}{"diopters": *r.FocusDiopters}})
	}
	if r.WhiteBalanceK != nil {
		cmds = append(cmds, control.Command{Command: "set_white_balance", Params: map[string]interface{}{"kelvin": float64(*r.WhiteBalanceK)}})
	}
	return cmds
}

// setControls applies every field present in the body. Mode "auto" clears
// all overrides and ignores the other fields.
func (s *Server) setControls(c *gin.Context) {
	var req controlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if req.Mode != "" && req.Mode != "auto" && req.Mode != "manual" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto or manual"})
		return
	}

	cmds := req.commands()
	if len(cmds) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no controls given"})
		return
	}

	var data interface{}
	for _, cmd := range cmds {
		var err error
		if data, err = s.dispatcher.Do(c.Request.Context(), cmd); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) listRecordings(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gallery is disabled"})
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	recs, err := s.recordings.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("api: list recordings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if recs == nil {
		recs = []gallery.Recording{}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs, "count": len(recs)})
}

func (s *Server) getRecording(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gallery is disabled"})
		return
	}
	rec, err := s.recordings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// rawCommand accepts the MQTT command envelope and answers with the same
// response the events topic would carry.
func (s *Server) rawCommand(c *gin.Context) {
	var cmd control.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if cmd.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing command"})
		return
	}
	c.JSON(http.StatusOK, s.dispatcher.Execute(c.Request.Context(), cmd))
}
