package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the parser over HTTP so operators can inspect how an
// inbound message is split before it reaches reconciliation.
type Handler struct {
	maxBody int64
}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{maxBody: mllpMaxMessageSize}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2/parse - Parse an HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

type messageJSON struct {
	Type         string        `json:"type"`
	MessageCode  string        `json:"messageCode"`
	TriggerEvent string        `json:"triggerEvent"`
	ControlID    string        `json:"controlId"`
	Version      string        `json:"version"`
	Timestamp    string        `json:"timestamp,omitempty"`
	SendingApp   string        `json:"sendingApp"`
	SendingFac   string        `json:"sendingFac"`
	ReceivingApp string        `json:"receivingApp"`
	ReceivingFac string        `json:"receivingFac"`
	Encoding     string        `json:"encoding"`
	Segments     []segmentJSON `json:"segments"`
}

// ParseMessage handles POST /hl7v2/parse.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	if int64(len(body)) > h.maxBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum size")
	}

	msg, err := Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}

	out := messageJSON{
		Type:         msg.Type,
		MessageCode:  msg.MessageCode(),
		TriggerEvent: msg.TriggerEvent(),
		ControlID:    msg.ControlID,
		Version:      msg.Version,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Encoding:     string(msg.Encoding.Field) + msg.Encoding.Characters(),
		Segments:     make([]segmentJSON, len(msg.Segments)),
	}
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{Value: f.Value, Components: f.Components, Repeats: f.Repeats}
		}
		out.Segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}

	return c.JSON(http.StatusOK, out)
}
