package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"twsflow/internal/client"
	"twsflow/internal/ib"
	"twsflow/internal/wire"
	"twsflow/logger"
)

// Speed selects the pacing of a replay.
type Speed int

const (
	// Normal reproduces the original inter-message delays.
	Normal Speed = iota
	// FullSpeed replays as fast as the log can be read.
	FullSpeed
)

// ParseSpeed maps a config string to a Speed.
func ParseSpeed(s string) (Speed, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "full", "fullspeed", "full_speed":
		return FullSpeed, nil
	}
	return Normal, fmt.Errorf("playback: unknown speed %q", s)
}

// Player replays a recorded log against a detached client. Received
// payloads run through the client's normal dispatch; sent payloads are
// looped back into subscription bookkeeping so the aggregation engine sees
// the same ticker universe the recording session did.
type Player struct {
	c     *client.Client
	speed Speed
	log   *logger.Entry
}

// NewPlayer builds a player with a fresh replay client.
func NewPlayer(engineCfg client.EngineSettings, eventBuffer int, speed Speed) *Player {
	return &Player{
		c:     client.NewReplay(engineCfg, eventBuffer),
		speed: speed,
		log:   logger.GetLogger().WithComponent("playback"),
	}
}

// Client exposes the replay client for event and snapshot consumption.
func (p *Player) Client() *client.Client { return p.c }

// Run replays the log from r to completion. It returns nil at the end of
// the log and the context error if cancelled mid-replay.
func (p *Player) Run(ctx context.Context, r io.Reader) error {
	reader := NewReader(r)

	serverVersion, err := p.replayHandshake(reader)
	if err != nil {
		return err
	}
	p.log.WithFields(logger.Fields{"server_version": serverVersion}).Info("replaying session")

	var prev time.Time
	count := 0
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			p.log.WithFields(logger.Fields{"messages": count}).Info("replay finished")
			return nil
		}
		if err != nil {
			return err
		}

		if p.speed == Normal && !prev.IsZero() {
			if delay := entry.Timestamp.Sub(prev); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		prev = entry.Timestamp
		count++

		switch entry.Direction {
		case DirectionReceive:
			if err := p.c.DispatchPayload(entry.Payload); err != nil {
				return fmt.Errorf("playback: dispatch failed after %d messages: %w", count, err)
			}
		case DirectionSend:
			p.loopback(entry.Payload, serverVersion)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// replayHandshake consumes the login exchange at the head of the log: the
// client version send, the server version reply, and the client ID send
// when the recorded server was new enough to expect one.
func (p *Player) replayHandshake(reader *Reader) (int, error) {
	first, err := reader.Next()
	if err != nil {
		return 0, fmt.Errorf("playback: empty log: %w", err)
	}
	if first.Direction != DirectionSend {
		return 0, fmt.Errorf("playback: log does not start with the client version")
	}

	reply, err := reader.Next()
	if err != nil {
		return 0, fmt.Errorf("playback: log ends before the server handshake: %w", err)
	}
	if reply.Direction != DirectionReceive {
		return 0, fmt.Errorf("playback: expected the server handshake, got a sent message")
	}

	dec := wire.NewDecoder(bytes.NewReader(reply.Payload))
	serverVersion := dec.Int()
	serverTime := ""
	if serverVersion >= 20 {
		serverTime = dec.String()
	}
	if err := dec.Err(); err != nil && err != io.EOF {
		return 0, fmt.Errorf("playback: corrupt handshake: %w", err)
	}
	p.c.ApplyHandshake(serverVersion, serverTime)

	if serverVersion >= 3 {
		// The client ID send follows the version reply.
		if _, err := reader.Next(); err != nil {
			return 0, fmt.Errorf("playback: log ends before the client ID: %w", err)
		}
	}
	return serverVersion, nil
}

// loopback inspects an outbound payload and mirrors its subscription effect.
// Requests with no engine-visible side effects are ignored.
func (p *Player) loopback(payload []byte, serverVersion int) {
	dec := wire.NewDecoder(bytes.NewReader(payload))
	switch dec.Outgoing() {
	case wire.OutRequestMarketData:
		dec.Int() // message version
		tickerID := dec.Int()
		contract := decodeSubscriptionContract(dec, serverVersion)
		if dec.Err() != nil && dec.Err() != io.EOF {
			p.log.WithError(dec.Err()).Warn("skipping corrupt market data request")
			return
		}
		p.c.RegisterSubscription(tickerID, contract)
	case wire.OutCancelMarketData:
		dec.Int() // message version
		tickerID := dec.Int()
		if dec.Err() != nil && dec.Err() != io.EOF {
			return
		}
		p.c.RemoveSubscription(tickerID)
	}
}

// decodeSubscriptionContract re-reads the contract exactly as it was
// encoded against the recorded server version.
func decodeSubscriptionContract(dec *wire.Decoder, serverVersion int) *ib.Contract {
	c := &ib.Contract{}
	c.Symbol = dec.String()
	c.SecType = ib.SecType(dec.String())
	c.Expiry = dec.String()
	c.Strike = dec.Float()
	c.Right = dec.String()
	if serverVersion >= 15 {
		c.Multiplier = dec.String()
	}
	c.Exchange = dec.String()
	if serverVersion >= 14 {
		c.PrimaryExchange = dec.String()
	}
	c.Currency = dec.String()
	if serverVersion >= 2 {
		c.LocalSymbol = dec.String()
	}
	if serverVersion >= 8 && c.SecType == ib.SecTypeBag {
		n := dec.Int()
		for i := 0; i < n; i++ {
			leg := ib.ComboLeg{}
			leg.ConID = dec.Int()
			leg.Ratio = dec.Int()
			leg.Action = ib.Action(dec.String())
			leg.Exchange = dec.String()
			c.ComboLegs = append(c.ComboLegs, leg)
		}
	}
	return c
}
