package scanner

import (
	"errors"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/adv"
	"github.com/srg/pawrgate/internal/radio"
)

// DefaultPeripheralName is the local name advertised by unsynced sensor tags.
const DefaultPeripheralName = "wsn"

// Controller is the part of the radio the scanner drives.
type Controller interface {
	radio.Scanner
	radio.Connector
}

// Candidate is a sensor tag the scanner decided to connect to.
type Candidate struct {
	Address     string
	AddressType uint8
	Name        string
}

// ScanOptions configures which advertisers are treated as sensor tags
type ScanOptions struct {
	PeripheralName string
	AllowList      []string
	BlockList      []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		PeripheralName: DefaultPeripheralName,
	}
}

// Scanner picks sensor tags out of advertisement reports and opens one
// connection at a time to them.
type Scanner struct {
	radio   Controller
	opts    *ScanOptions
	pending *hashmap.Map[string, Candidate]
	logger  *logrus.Logger

	scanning bool
}

// NewScanner creates a scanner driving r
func NewScanner(r Controller, opts *ScanOptions, logger *logrus.Logger) (*Scanner, error) {
	if r == nil {
		return nil, errors.New("scanner requires a radio")
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if opts.PeripheralName == "" {
		return nil, errors.New("scanner requires a peripheral name")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		radio:   r,
		opts:    opts,
		pending: hashmap.New[string, Candidate](),
		logger:  logger,
	}, nil
}

// Start begins scanning for sensor tags.
func (s *Scanner) Start() error {
	if err := s.radio.StartScan(); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}
	s.scanning = true
	s.logger.WithField("name", s.opts.PeripheralName).Info("Scanning for sensor tags...")
	return nil
}

// Scanning reports whether the last scan command issued was a start.
func (s *Scanner) Scanning() bool {
	return s.scanning
}

// HandleAdvertisement checks one report. A sensor tag seen while no pairing
// session is open and no connection attempt is in flight stops the scan and
// gets a connection request. The returned candidate is valid when ok is true.
func (s *Scanner) HandleAdvertisement(report radio.AdvertisementReport, sessionOpen bool) (Candidate, bool) {
	name, ok := adv.LocalName(report.Data)
	if !ok || name != s.opts.PeripheralName {
		return Candidate{}, false
	}
	if !s.shouldIncludeDevice(report.Address) {
		return Candidate{}, false
	}

	logger := s.logger.WithField("address", report.Address)
	if _, busy := s.pending.Get(report.Address); busy {
		logger.Debug("Sensor tag already mid-handshake")
		return Candidate{}, false
	}
	if sessionOpen || s.pending.Len() > 0 {
		logger.Debug("Pairing in progress, ignoring sensor tag")
		return Candidate{}, false
	}

	logger.Info("Sensor tag found")

	if err := s.radio.StopScan(); err != nil {
		logger.WithError(err).Warn("Failed to stop scanning")
	} else {
		s.scanning = false
	}

	candidate := Candidate{Address: report.Address, AddressType: report.AddressType, Name: name}
	if err := s.radio.OpenConnection(report.Address, report.AddressType); err != nil {
		logger.WithError(err).Warn("Failed to open connection")
		s.Resume()
		return Candidate{}, false
	}
	s.pending.Set(report.Address, candidate)
	return candidate, true
}

// ConnectionOpened clears the in-flight mark of addr.
func (s *Scanner) ConnectionOpened(addr string) {
	s.pending.Del(addr)
}

// ConnectFailed drops the in-flight attempt to addr and resumes scanning.
func (s *Scanner) ConnectFailed(addr string) {
	s.logger.WithField("address", addr).Warn("Connection attempt failed")
	s.pending.Del(addr)
	s.Resume()
}

// Resume restarts scanning after a connection closed, whatever the outcome.
// Any attempt still marked in flight is forgotten.
func (s *Scanner) Resume() {
	s.pending.Range(func(key string, _ Candidate) bool {
		s.pending.Del(key)
		return true
	})

	if err := s.radio.StartScan(); err != nil {
		s.logger.WithError(err).Error("Failed to resume scanning")
		return
	}
	s.scanning = true
	s.logger.Debug("Scanning resumed")
}

// Attempt returns the connection attempt in flight, if any.
func (s *Scanner) Attempt() (Candidate, bool) {
	var (
		found Candidate
		ok    bool
	)
	s.pending.Range(func(_ string, c Candidate) bool {
		found, ok = c, true
		return false
	})
	return found, ok
}

// Pending reports whether a connection attempt to addr is in flight.
func (s *Scanner) Pending(addr string) bool {
	_, ok := s.pending.Get(addr)
	return ok
}

// shouldIncludeDevice applies the allow and block lists
func (s *Scanner) shouldIncludeDevice(addr string) bool {
	for _, blocked := range s.opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(s.opts.AllowList) == 0 {
		return true
	}
	for _, a := range s.opts.AllowList {
		if addr == a {
			return true
		}
	}
	return false
}
