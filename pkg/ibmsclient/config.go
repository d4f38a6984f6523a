// Package ibmsclient is the terminal side of the occupancy service: a REST
// client for staff actions, a SyncChannel socket, and view projections that
// stay coherent through pushed events and refetches.
package ibmsclient

import (
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/domain/occupancy"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// Wire types shared with the server.
type (
	Bed            = bed.Bed
	Room           = bed.Room
	Floor          = bed.Floor
	BedStatus      = bed.Status
	StatusChange   = bed.StatusChange
	Admission      = occupancy.Admission
	Assignment     = occupancy.BedAssignment
	TransferResult = occupancy.TransferResult
	Event          = websocket.Event
)

const apiPrefix = "/api/v1"

// Config configures API, Socket and Terminal. Only BaseURL is required.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Token is sent as a bearer token on REST calls and as access_token on
	// the socket upgrade.
	Token string
	// Actor is sent as X-Actor, which servers running development auth use
	// for attribution.
	Actor string

	Timeout    time.Duration
	RetryCount int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// JoinTimeout bounds every wait for a joined acknowledgement.
	JoinTimeout time.Duration
	// EventBuffer is the number of received events waiting for dispatch.
	EventBuffer int

	// Logger defaults to a disabled logger.
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 15 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// socketURL turns BaseURL into the SyncChannel endpoint.
func (c Config) socketURL() (string, error) {
	u, err := url.Parse(c.BaseURL + apiPrefix + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if c.Token != "" {
		q := u.Query()
		q.Set("access_token", c.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
