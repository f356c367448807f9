// Package drivemon watches for newly attached volumes and offers them for
// backup. Detection is a mount-table poll; the decision is delegated to a
// Responder (the GUI), defaulting to decline when nobody answers.
package drivemon

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/settings"
)

// DefaultPollInterval is how often the mount table is re-read.
const DefaultPollInterval = time.Second

// Response is the user's answer to a newly detected drive.
type Response int

const (
	// Decline leaves the drive alone. Also the timeout default.
	Decline Response = iota
	// Accept adds the drive root to recursive_backup_paths.
	Accept
	// Suppress declines and disables future drive prompts.
	Suppress
)

// Responder is asked what to do with a newly attached volume.
type Responder interface {
	OnDriveDetected(mountPoint string) Response
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(mountPoint string) Response

func (f ResponderFunc) OnDriveDetected(mountPoint string) Response {
	return f(mountPoint)
}

// Mount is one row of the mount table.
type Mount struct {
	Device     string
	MountPoint string
	FSType     string
}

// Monitor polls for new physical volumes.
type Monitor struct {
	store     *settings.Store
	bus       *events.Bus
	responder Responder
	log       *logging.Logger

	poll       time.Duration
	listMounts func() ([]Mount, error)

	known map[string]bool
}

// Config wires a Monitor. Responder may be nil (every drive is declined).
type Config struct {
	Settings  *settings.Store
	Bus       *events.Bus
	Responder Responder
	Log       *logging.Logger

	// PollInterval and ListMounts override the defaults; used by tests.
	PollInterval time.Duration
	ListMounts   func() ([]Mount, error)
}

// New creates a drive monitor.
func New(cfg Config) *Monitor {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	list := cfg.ListMounts
	if list == nil {
		list = systemMounts
	}
	return &Monitor{
		store:      cfg.Settings,
		bus:        cfg.Bus,
		responder:  cfg.Responder,
		log:        log,
		poll:       poll,
		listMounts: list,
		known:      make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. Volumes present at startup are treated as
// known and never prompted for.
func (m *Monitor) Run(ctx context.Context) error {
	if mounts, err := m.listMounts(); err == nil {
		for _, mt := range mounts {
			m.known[mt.MountPoint] = true
		}
	} else {
		m.log.Warn("Initial mount scan failed: %v", err)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Monitor) pollOnce() {
	mounts, err := m.listMounts()
	if err != nil {
		m.log.Warn("Mount scan failed: %v", err)
		return
	}

	current := make(map[string]bool, len(mounts))
	for _, mt := range mounts {
		current[mt.MountPoint] = true
		if !m.known[mt.MountPoint] && isPhysicalVolume(mt) {
			m.handleNewDrive(mt.MountPoint)
		}
	}
	m.known = current
}

func (m *Monitor) handleNewDrive(mountPoint string) {
	m.log.Info("New volume detected at %s", mountPoint)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:    events.EventDriveDetected,
			Payload: map[string]interface{}{"volume": mountPoint},
		})
	}

	cfg, err := m.store.Load()
	if err != nil {
		m.log.Error("Settings load during drive detection failed: %v", err)
		return
	}
	if !cfg.DriveNotificationsEnabled() {
		return
	}

	response := Decline
	if m.responder != nil {
		response = m.responder.OnDriveDetected(mountPoint)
	}

	switch response {
	case Accept:
		err := m.store.Update(func(s *settings.Settings) {
			for _, p := range s.RecursiveBackupPaths {
				if p == mountPoint {
					return
				}
			}
			s.RecursiveBackupPaths = append(s.RecursiveBackupPaths, mountPoint)
		})
		if err != nil {
			m.log.Error("Adding %s to backup paths failed: %v", mountPoint, err)
		} else {
			m.log.Info("Volume %s added to recursive backup paths", mountPoint)
		}
	case Suppress:
		suppressed := false
		err := m.store.Update(func(s *settings.Settings) {
			s.DriveMonitorNotifications = &suppressed
		})
		if err != nil {
			m.log.Error("Suppressing drive notifications failed: %v", err)
		}
	}
}

// isPhysicalVolume filters out pseudo and system filesystems.
func isPhysicalVolume(mt Mount) bool {
	switch mt.FSType {
	case "proc", "sysfs", "devtmpfs", "devpts", "tmpfs", "cgroup", "cgroup2",
		"securityfs", "debugfs", "tracefs", "overlay", "squashfs", "autofs",
		"mqueue", "hugetlbfs", "configfs", "fusectl", "pstore", "bpf", "ramfs",
		"binfmt_misc", "nsfs", "efivarfs", "rpc_pipefs":
		return false
	}
	return strings.HasPrefix(mt.Device, "/dev/")
}

// systemMounts reads the live mount table.
func systemMounts() ([]Mount, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, Mount{Device: fields[0], MountPoint: fields[1], FSType: fields[2]})
	}
	return mounts, scanner.Err()
}
