package state

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	modem_config "github.com/temoto/sensorlink/hardware/modem/config"
	"github.com/temoto/sensorlink/helpers"
	"github.com/temoto/sensorlink/internal/agent"
	"github.com/temoto/sensorlink/internal/bridge"
	"github.com/temoto/sensorlink/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Hardware struct {
		Modem modem_config.Config `hcl:"modem"`
	}

	Agent struct { //nolint:maligned
		SensorName     string  `hcl:"sensor_name"`
		SourcePath     string  `hcl:"source_path"`
		SourceScale    float64 `hcl:"source_scale"`
		PeerHost       string  `hcl:"peer_host"`
		PeerPort       int     `hcl:"peer_port"`
		PeriodSec      int     `hcl:"period_sec"`
		AckTimeoutMs   int     `hcl:"ack_timeout_ms"`
		SendRetries    int     `hcl:"send_retries"`
		BringUpRetries int     `hcl:"bring_up_retries"`
	}

	Server struct {
		Listen string `hcl:"listen"`
		DB     string `hcl:"db"`
		Table  string `hcl:"table"`
	}

	Bridge bridge.Config `hcl:"bridge"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// AgentConfig converts the flat integer fields HCL likes into the
// durations the agent takes.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		PeerHost:       c.Agent.PeerHost,
		PeerPort:       uint16(c.Agent.PeerPort),
		Period:         time.Duration(c.Agent.PeriodSec) * time.Second,
		AckTimeout:     time.Duration(c.Agent.AckTimeoutMs) * time.Millisecond,
		SendRetries:    c.Agent.SendRetries,
		BringUpRetries: c.Agent.BringUpRetries,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
