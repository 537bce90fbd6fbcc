package ext

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hvctl/hostdev/hostdev"
	"github.com/hvctl/hostdev/internal/appconf"
	"github.com/hvctl/hostdev/internal/pci"
	"github.com/hvctl/hostdev/internal/utils"
)

// helperContext applies the configured helper timeout. The zero
// timeout keeps the parent context as is: helpers are waited for
// indefinitely then.
func helperContext(ctx context.Context, conf *appconf.Config) (context.Context, context.CancelFunc) {
	if t := conf.HelperTimeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}

	return context.WithCancel(ctx)
}

// guestSlot resolves the guest side bus address of a passed through
// device by listing the guest visible devices and matching the host
// address. The control plane has no call for this mapping, hence the
// dedicated low level query.
//
// The empty slot with a nil error means the device is not in the
// guest device list.
func guestSlot(ctx context.Context, conf *appconf.Config, domain hostdev.Domain, addr *pci.Address) (string, error) {
	helper, err := utils.ResolveExecutable(conf.Helpers.GuestList)
	if err != nil {
		return "", fmt.Errorf("guest device list helper: %w", err)
	}

	ctx, cancel := helperContext(ctx, conf)
	defer cancel()

	out, err := exec.CommandContext(ctx, helper, "pci-list", strconv.Itoa(domain.ID())).Output()
	if err != nil {
		code, _ := utils.CommandExitCode(err)
		return "", fmt.Errorf("guest device list helper failed with code %d: %w", code, err)
	}

	return matchGuestSlot(string(out), addr), nil
}

// matchGuestSlot finds the guest side slot ("dd.f") of the given
// host address in the helper output. Lines look like:
//
//	Vdev Device
//	05.0 0000:02:00.0
func matchGuestSlot(out string, addr *pci.Address) string {
	re := regexp.MustCompile(`(?m)^([0-9a-f]+\.[0-9a-f]+)\s+` + regexp.QuoteMeta(addr.String()) + `$`)

	if m := re.FindStringSubmatch(out); m != nil {
		return m[1]
	}

	return ""
}

// guestDetach runs the in-guest detach helper, which unbinds the
// guest driver before the device is removed so the guest kernel does
// not fault on a vanishing function. The helper reads the guest side
// address from stdin.
func guestDetach(ctx context.Context, conf *appconf.Config, domain hostdev.Domain, slot string) error {
	helper, err := utils.ResolveExecutable(conf.Helpers.GuestDetach)
	if err != nil {
		return fmt.Errorf("guest detach helper: %w", err)
	}

	ctx, cancel := helperContext(ctx, conf)
	defer cancel()

	cmd := exec.CommandContext(ctx, helper, domain.Name())
	cmd.Stdin = strings.NewReader("00:" + slot)

	if err := cmd.Run(); err != nil {
		code, _ := utils.CommandExitCode(err)
		return fmt.Errorf("guest detach helper failed with code %d: %w", code, err)
	}

	return nil
}
