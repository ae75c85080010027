package capture

import (
	"context"
	"slices"
	"time"

	"lessonvoice/audio"
	"lessonvoice/log"
)

const DefaultWatchInterval = 3 * time.Second

// Watch polls the device list until ctx is done. When the bound device
// disappears the controller falls back to the system default; when the
// device last chosen by the user comes back it is rebound.
func (c *Controller) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		last = c.checkDevices(ctx, last)
	}
}

func (c *Controller) checkDevices(ctx context.Context, last []string) []string {
	devices, err := c.cfg.Audio.Devices()
	if err != nil {
		return last
	}
	ids := make([]string, len(devices))
	for i := range devices {
		ids[i] = devices[i].ID
	}
	if slices.Equal(last, ids) {
		return last
	}

	c.mu.Lock()
	state := c.state
	current := ""
	if c.device != nil {
		current = c.device.ID
	}
	preferred := c.preferred
	c.mu.Unlock()

	if state == StateDisposed {
		return ids
	}

	switch {
	case current != "" && !slices.Contains(ids, current):
		log.Info("device_disconnected: " + current)
		if err := c.rebind(ctx, ""); err != nil {
			log.Warnf("fallback to default device failed: %v", err)
		}
	case current == "" && preferred != "" && c.hasDevice(devices, preferred):
		log.Info("device_reconnected: " + preferred)
		if err := c.rebind(ctx, preferred); err != nil {
			log.Warnf("reconnect to %s failed: %v", preferred, err)
		}
	case state == StateUnbound && len(devices) > 0:
		log.Info("device_retry: system default")
		if err := c.rebind(ctx, ""); err != nil {
			log.Warnf("default device still unavailable: %v", err)
		}
	}
	return ids
}

// rebind is BindDevice without forgetting which device the user prefers.
func (c *Controller) rebind(ctx context.Context, id string) error {
	c.mu.Lock()
	preferred := c.preferred
	c.mu.Unlock()
	err := c.BindDevice(ctx, id)
	c.mu.Lock()
	c.preferred = preferred
	c.mu.Unlock()
	return err
}

func (c *Controller) hasDevice(devices []audio.DeviceInfo, idOrName string) bool {
	for _, d := range devices {
		if d.ID == idOrName || d.Name == idOrName {
			return true
		}
	}
	return false
}
