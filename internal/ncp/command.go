package ncp

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// Commander issues line-oriented shell directives to the NCP over any
// io.ReadWriter (a serial port in production, a pipe in tests) and
// collects the reply lines up to the device's prompt, generalizing
// kibra's ksh.py `ksh_cmd` (spec.md §6 "NCP command interface").
type Commander struct {
	rw      io.ReadWriter
	reader  *bufio.Reader
	prompt  string
	timeout time.Duration
	log     *zap.SugaredLogger

	mu sync.Mutex
}

// NewCommander wraps rw. prompt is the line the NCP emits to mark the
// end of a command's output (kibra's devices use "> ").
func NewCommander(rw io.ReadWriter, prompt string, log *zap.SugaredLogger) *Commander {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if prompt == "" {
		prompt = "> "
	}
	return &Commander{rw: rw, reader: bufio.NewReader(rw), prompt: prompt, timeout: 5 * time.Second, log: log}
}

// Run sends one command line and returns its reply lines, excluding
// the echoed command and the trailing prompt.
func (c *Commander) Run(cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.rw, cmd+"\r\n"); err != nil {
		return nil, &bbrerrors.TransportError{Op: "ncp command write", Addr: "ncp", Wrapped: err}
	}
	c.log.Debugw("ncp command sent", "cmd", cmd)

	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return lines, &bbrerrors.TransportError{Op: "ncp command read", Addr: "ncp", Wrapped: err}
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == cmd {
			continue // echo
		}
		if strings.HasPrefix(trimmed, c.prompt) {
			break
		}
		lines = append(lines, trimmed)
	}
	return lines, nil
}

// ConfigChannel sets the operating channel.
func (c *Commander) ConfigChannel(channel int) error {
	_, err := c.Run(fmt.Sprintf("config channel %d", channel))
	return err
}

// ConfigPANID sets the 802.15.4 PAN ID.
func (c *Commander) ConfigPANID(panID string) error {
	_, err := c.Run(fmt.Sprintf("config panid %s", panID))
	return err
}

// ConfigNetworkName sets the Thread network name.
func (c *Commander) ConfigNetworkName(name string) error {
	_, err := c.Run(fmt.Sprintf("config netname %q", name))
	return err
}

// ConfigRole sets the device's Thread device role (leader, router...).
func (c *Commander) ConfigRole(role string) error {
	_, err := c.Run(fmt.Sprintf("config role %s", role))
	return err
}

// ConfigLegacy toggles Thread 1.1 legacy compatibility. kibra always
// disables it to force Thread 1.2 feature support.
func (c *Commander) ConfigLegacy(enabled bool) error {
	v := "off"
	if enabled {
		v = "on"
	}
	_, err := c.Run("config legacy " + v)
	return err
}

// InterfaceUp brings the Thread interface up and enables the border
// router function.
func (c *Commander) InterfaceUp() error {
	if _, err := c.Run("ifconfig up"); err != nil {
		return err
	}
	_, err := c.Run("thread start")
	return err
}

// InterfaceDown stops Thread operation and brings the interface down.
func (c *Commander) InterfaceDown() error {
	if _, err := c.Run("thread stop"); err != nil {
		return err
	}
	_, err := c.Run("ifconfig down")
	return err
}

// AddService installs a Thread Network Data service TLV entry. data
// is the already-packed service data payload (spec.md §4.13).
func (c *Commander) AddService(enterpriseID int, serviceData []byte, serverData []byte) error {
	_, err := c.Run(fmt.Sprintf("service add %d %x %x", enterpriseID, serviceData, serverData))
	return err
}

// RemoveService removes a previously added service TLV entry.
func (c *Commander) RemoveService(enterpriseID int, serviceData []byte) error {
	_, err := c.Run(fmt.Sprintf("service remove %d %x", enterpriseID, serviceData))
	return err
}

// ShowSerial returns the device's reported serial number.
func (c *Commander) ShowSerial() (string, error) {
	lines, err := c.Run("show snum")
	if err != nil || len(lines) == 0 {
		return "", err
	}
	return lines[0], nil
}
