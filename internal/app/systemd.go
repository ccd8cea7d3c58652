package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"sessionjobs/pkg/logx"
)

// sdNotify reports state to systemd when running as a Type=notify unit.
// Outside systemd it is a no-op.
func sdNotify(enabled bool, log logx.Logger, state string) {
	if !enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		log.Debug("sd_notify skipped (NOTIFY_SOCKET unset)", logx.String("state", state))
	}
}
