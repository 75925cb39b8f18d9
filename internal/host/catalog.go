package host

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/seantiz/conduit/internal/scheduler"
)

// ErrNoToken is returned when a web-API host has no cached access token.
var ErrNoToken = errors.New("no access token for host")

// Catalog is the set of known remote hosts and the scheduler table they
// refer to. It is safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	hosts      map[string]*Descriptor
	tokens     map[string]string
	schedulers *scheduler.Table
}

// NewCatalog builds a catalog over the given hosts and the built-in
// scheduler table.
func NewCatalog(hosts ...Descriptor) *Catalog {
	c := &Catalog{
		hosts:      make(map[string]*Descriptor, len(hosts)),
		tokens:     make(map[string]string),
		schedulers: scheduler.Builtin(),
	}
	for i := range hosts {
		h := hosts[i]
		c.hosts[h.ID] = &h
	}
	return c
}

type catalogFile struct {
	Hosts      []Descriptor                    `mapstructure:"hosts"`
	Schedulers map[string]scheduler.Descriptor `mapstructure:"schedulers"`
}

// LoadCatalog reads a host catalog file. Entries under "schedulers" are
// merged over the built-in scheduler table, and access tokens of web-API
// hosts are read from their token files once, here.
func LoadCatalog(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read host catalog: %w", err)
	}

	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode host catalog: %w", err)
	}

	c := NewCatalog()
	for i := range file.Hosts {
		h := file.Hosts[i]
		if h.ID == "" {
			return nil, fmt.Errorf("host catalog: entry %d has no id", i)
		}
		if _, dup := c.hosts[h.ID]; dup {
			return nil, fmt.Errorf("host catalog: duplicate host id %q", h.ID)
		}
		c.hosts[h.ID] = &h
	}

	if len(file.Schedulers) > 0 {
		table, err := c.schedulers.With(file.Schedulers)
		if err != nil {
			return nil, fmt.Errorf("host catalog: %w", err)
		}
		c.schedulers = table
	}

	if err := c.loadTokens(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadTokens() error {
	for id, h := range c.hosts {
		if !h.UseWebAPI || h.AccessTokenFile == "" {
			continue
		}
		raw, err := os.ReadFile(h.AccessTokenFile)
		if err != nil {
			return fmt.Errorf("read access token for host %s: %w", id, err)
		}
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			c.tokens[id] = tok
		}
	}
	return nil
}

// Lookup returns the descriptor of host id.
func (c *Catalog) Lookup(id string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.hosts[id]
	return d, ok
}

// Put adds or replaces a host descriptor. Executers already bound to the
// host pick up the new limits on their next registration.
func (c *Catalog) Put(d Descriptor) {
	c.mu.Lock()
	c.hosts[d.ID] = &d
	c.mu.Unlock()
}

// IDs returns the known host ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.hosts))
	for id := range c.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schedulers returns the scheduler table the catalog's hosts refer to.
func (c *Catalog) Schedulers() *scheduler.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulers
}

// SetToken caches the web-API access token of a host.
func (c *Catalog) SetToken(hostID, token string) {
	c.mu.Lock()
	c.tokens[hostID] = token
	c.mu.Unlock()
}

// Token returns the cached web-API access token of a host.
func (c *Catalog) Token(hostID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[hostID]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrNoToken, hostID)
	}
	return tok, nil
}
