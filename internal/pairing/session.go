// Package pairing drives one connected sensor tag through the handshake that
// places it on the periodic advertising train: service discovery,
// characteristic discovery, coordinate write and periodic sync transfer.
//
// A Session is created when a connection opens and discarded when it closes.
// It reacts only to link-layer events and issues exactly one command per
// completed step. A failed step is logged and the session stays where it is;
// tearing the connection down is left to the peer or the link layer.
package pairing

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/srg/pawrgate/internal/registry"
)

// Context is the per-connection handshake state.
type Context struct {
	Address    string
	Connection uint8
	// Assigned is set when the tag is already known to the registry.
	Assigned *registry.Coordinate
	Service  uint32
	// Characteristics holds the subevent then the response slot handle.
	Characteristics []uint16
	State           State

	// target is the coordinate written to the tag.
	target       *registry.Coordinate
	charRequests int
	transferred  bool
	rejected     bool
}

// Outcome summarises a closed session.
type Outcome struct {
	Result     Result
	Address    string
	Coordinate registry.Coordinate
	Reason     uint16
}

// Options wires a Session to its collaborators.
type Options struct {
	GATT           radio.GATTClient
	Connector      radio.Connector
	Registry       *registry.Registry
	AdvertisingSet uint8
	Logger         *logrus.Logger
}

// Session is the handshake state machine of one connection.
type Session struct {
	ctx    Context
	opts   Options
	logger *logrus.Entry
}

// Open starts a session on a freshly opened connection and requests
// discovery of the sensor service.
func Open(ev radio.ConnectionOpened, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	s := &Session{
		ctx: Context{
			Address:    ev.Address,
			Connection: ev.Connection,
			State:      StateConnecting,
		},
		opts: opts,
		logger: opts.Logger.WithFields(logrus.Fields{
			"address":    ev.Address,
			"connection": ev.Connection,
		}),
	}

	s.logger.Info("Connection opened")

	if c, ok := opts.Registry.LookupByAddress(ev.Address); ok {
		s.ctx.Assigned = &c
		s.logger.WithField("coordinate", c).Info("Device is known, reassigning its coordinate")
	}

	s.logger.Info("Discovering services...")
	if err := opts.GATT.DiscoverService(ev.Connection, radio.SensorServiceUUID); err != nil {
		s.commandFailed("discover service", err)
		return s
	}
	s.ctx.State = StateDiscoverServices
	return s
}

// Context returns a copy of the handshake state.
func (s *Session) Context() Context {
	c := s.ctx
	c.Characteristics = append([]uint16(nil), s.ctx.Characteristics...)
	return c
}

// Connection returns the connection handle the session runs on.
func (s *Session) Connection() uint8 {
	return s.ctx.Connection
}

// Address returns the peer address.
func (s *Session) Address() string {
	return s.ctx.Address
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.ctx.State
}

// Handle routes a link-layer event to the matching step. Events for other
// connections are ignored and reported as not handled.
func (s *Session) Handle(ev radio.Event) bool {
	switch e := ev.(type) {
	case radio.ServiceDiscovered:
		if e.Connection != s.ctx.Connection {
			return false
		}
		s.serviceDiscovered(e)
	case radio.CharacteristicDiscovered:
		if e.Connection != s.ctx.Connection {
			return false
		}
		s.characteristicDiscovered(e)
	case radio.ProcedureCompleted:
		if e.Connection != s.ctx.Connection {
			return false
		}
		s.procedureCompleted(e)
	default:
		return false
	}
	return true
}

func (s *Session) serviceDiscovered(ev radio.ServiceDiscovered) {
	if s.ctx.State != StateDiscoverServices || !ev.UUID.Equal(radio.SensorServiceUUID) {
		return
	}
	s.logger.Info("PAwR sensor service discovered")
	s.ctx.Service = ev.Service
	s.ctx.State = StateDiscoverCharacteristics
}

func (s *Session) characteristicDiscovered(ev radio.CharacteristicDiscovered) {
	if s.ctx.State != StateDiscoverCharacteristics {
		return
	}

	expected := radio.SubeventCharUUID
	if len(s.ctx.Characteristics) == 1 {
		expected = radio.ResponseSlotCharUUID
	}
	if !ev.UUID.Equal(expected) {
		s.logger.WithField("uuid", ev.UUID.String()).Debug("Ignoring characteristic")
		return
	}

	s.ctx.Characteristics = append(s.ctx.Characteristics, ev.Characteristic)
	if len(s.ctx.Characteristics) == 2 {
		s.logger.Info("Characteristics discovered")
		s.ctx.State = StateWriteSubevent
	}
}

func (s *Session) procedureCompleted(ev radio.ProcedureCompleted) {
	if ev.Result != 0 {
		s.logger.WithFields(logrus.Fields{
			"state":  s.ctx.State,
			"result": ev.Result,
		}).Warnf("GATT procedure completed with status 0x%04x", ev.Result)
		return
	}
	if s.ctx.rejected {
		return
	}

	switch s.ctx.State {
	case StateDiscoverServices:
		if s.ctx.Service == 0 {
			s.logger.Warn("Service discovery finished without the PAwR sensor service")
		}

	case StateDiscoverCharacteristics:
		if s.ctx.charRequests > len(s.ctx.Characteristics) {
			s.logger.Warn("Characteristic discovery finished without the expected characteristic")
			return
		}
		uuid := radio.SubeventCharUUID
		if len(s.ctx.Characteristics) == 1 {
			uuid = radio.ResponseSlotCharUUID
		}
		s.logger.WithField("uuid", uuid.String()).Info("Discovering characteristic...")
		if err := s.opts.GATT.DiscoverCharacteristic(s.ctx.Connection, s.ctx.Service, uuid); err != nil {
			s.commandFailed("discover characteristic", err)
			return
		}
		s.ctx.charRequests++

	case StateWriteSubevent:
		target, err := s.resolveTarget()
		if err != nil {
			s.reject(err)
			return
		}
		if err := s.write(s.ctx.Characteristics[0], target.Subevent); err != nil {
			s.commandFailed("write subevent", err)
			return
		}
		s.ctx.State = StateWriteResponseSlot

	case StateWriteResponseSlot:
		s.logger.WithField("subevent", s.ctx.target.Subevent).Info("Subevent written to peripheral")
		if err := s.write(s.ctx.Characteristics[1], s.ctx.target.Slot); err != nil {
			s.commandFailed("write response slot", err)
			return
		}
		s.ctx.State = StatePastTransfer

	case StatePastTransfer:
		if s.ctx.transferred {
			return
		}
		s.logger.WithField("slot", s.ctx.target.Slot).Info("Response slot written to peripheral")
		if err := s.opts.GATT.TransferSync(s.ctx.Connection, s.opts.AdvertisingSet); err != nil {
			s.commandFailed("transfer sync", err)
			return
		}
		s.ctx.transferred = true
		s.logger.Info("Initiating PAST transfer")
	}
}

// resolveTarget picks the coordinate to write: the known one for a
// returning tag, else the registry's next free coordinate.
func (s *Session) resolveTarget() (registry.Coordinate, error) {
	if s.ctx.target != nil {
		return *s.ctx.target, nil
	}

	var c registry.Coordinate
	if s.ctx.Assigned != nil {
		c = *s.ctx.Assigned
	} else {
		next, err := s.opts.Registry.NextFree()
		if err != nil {
			return c, err
		}
		c = next
	}
	s.ctx.target = &c
	return c, nil
}

func (s *Session) write(handle uint16, value uint8) error {
	return s.opts.GATT.WriteCharacteristic(s.ctx.Connection, handle, []byte{value})
}

func (s *Session) reject(err error) {
	s.ctx.rejected = true
	s.logger.WithError(err).Error("Pairing rejected, closing connection")
	if cerr := s.opts.Connector.CloseConnection(s.ctx.Connection); cerr != nil {
		s.logger.WithError(cerr).Warn("Failed to close connection")
	}
}

func (s *Session) commandFailed(command string, err error) {
	s.logger.WithFields(logrus.Fields{
		"state":   s.ctx.State,
		"command": command,
	}).WithError(err).Warn("Command rejected by radio")
}

// Close ends the session. A clean disconnect after the sync transfer commits
// the tag's coordinate in the registry and marks it synced; any other close
// leaves the registry untouched.
func (s *Session) Close(reason uint16) Outcome {
	state := s.ctx.State
	s.ctx.State = StateClosed

	out := Outcome{Result: Dropped, Address: s.ctx.Address, Reason: reason}
	if s.ctx.target != nil {
		out.Coordinate = *s.ctx.target
	}

	logger := s.logger.WithFields(logrus.Fields{
		"state":  state,
		"reason": reason,
	})

	if s.ctx.rejected {
		out.Result = Rejected
		logger.Warn("Pairing attempt abandoned")
		return out
	}
	if reason != radio.ReasonCleanDisconnect || state != StatePastTransfer {
		logger.Infof("Connection closed with reason 0x%04x before sync, tag must be rediscovered", reason)
		return out
	}

	if err := s.commit(*s.ctx.target); err != nil {
		out.Result = Rejected
		logger.WithError(err).Error("Failed to commit coordinate")
		return out
	}

	out.Result = Synced
	return out
}

func (s *Session) commit(c registry.Coordinate) error {
	reg := s.opts.Registry

	if s.ctx.Assigned != nil {
		tag, ok := reg.Tag(c)
		if !ok || tag.Address != s.ctx.Address {
			return errors.New("reserved coordinate was handed to another tag")
		}
	} else if err := reg.Claim(s.ctx.Address, c); err != nil {
		return err
	}

	tr, err := reg.MarkSynced(c)
	if err != nil {
		return err
	}
	if tr.Changed {
		s.logger.WithFields(logrus.Fields{
			"subevent": c.Subevent,
			"slot":     c.Slot,
		}).Info("Sensor tag synced")
	}
	return nil
}
