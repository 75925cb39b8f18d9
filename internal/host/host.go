// Package host describes the remote machines tasks can be dispatched to.
package host

import (
	"strconv"
	"strings"
	"time"
)

const defaultSSHPort = 22

// Descriptor is the read-only connection and capacity data of one remote host.
type Descriptor struct {
	ID       string `mapstructure:"id"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	KeyFile  string `mapstructure:"keyFile"`

	// Queue is a comma separated list of scheduler queue names; the first
	// entry is the default.
	Queue        string `mapstructure:"queue"`
	JobScheduler string `mapstructure:"jobScheduler"`
	GroupName    string `mapstructure:"groupName"`
	// NumJob is kept as written in the catalog; see JobSlots.
	NumJob               string `mapstructure:"numJob"`
	MaxParallelTransfers int    `mapstructure:"maxParallelTransfers"`

	UseJobScheduler bool   `mapstructure:"useJobScheduler"`
	UseWebAPI       bool   `mapstructure:"useWebAPI"`
	WebAPIURL       string `mapstructure:"webAPIURL"`
	AccessTokenFile string `mapstructure:"accessTokenFile"`

	WorkDir             string        `mapstructure:"workDir"`
	StatusCheckInterval time.Duration `mapstructure:"statusCheckInterval"`

	InsecureIgnoreHostKey bool `mapstructure:"insecureIgnoreHostKey"`
}

// Addr returns host:port for dialing.
func (d *Descriptor) Addr() string {
	port := d.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return d.Host + ":" + strconv.Itoa(port)
}

// Queues returns the configured queue names with blanks removed.
func (d *Descriptor) Queues() []string {
	var out []string
	for q := range strings.SplitSeq(d.Queue, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// JobSlots returns the number of concurrent submissions allowed on the
// host. Unset, non-numeric and non-positive values all mean 1.
func (d *Descriptor) JobSlots() int {
	n, err := strconv.Atoi(strings.TrimSpace(d.NumJob))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// TransferSlots returns the number of concurrent file transfers allowed.
func (d *Descriptor) TransferSlots() int {
	if d.MaxParallelTransfers <= 0 {
		return 1
	}
	return d.MaxParallelTransfers
}
