package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sarchlab/vmi/mem"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// region places a physical range at an offset of the image file.
type region struct {
	Base   uint64 `toml:"base"`
	Size   uint64 `toml:"size"`
	Offset uint64 `toml:"offset"`
}

// config is everything a session needs. Values come from the defaults, then
// the config file, then the environment, then the flags.
type config struct {
	Image    string   `toml:"image"`
	Writable bool     `toml:"writable"`
	Regions  []region `toml:"regions"`
	PageSize uint64   `toml:"page_size"`

	Arch string `toml:"arch"`
	Root string `toml:"root"`

	TLBSets       int     `toml:"tlb_sets"`
	TLBWays       int     `toml:"tlb_ways"`
	PageCacheSets int     `toml:"page_cache_sets"`
	PageCacheWays int     `toml:"page_cache_ways"`
	Parallelism   int     `toml:"parallelism"`
	ReadsPerSec   float64 `toml:"reads_per_sec"`

	LogLevel string `toml:"log_level"`
	Trace    string `toml:"trace"`
	Port     int    `toml:"port"`
}

func defaultConfig() config {
	return config{
		PageSize:      mem.DefaultPageSize,
		Arch:          "x64",
		TLBSets:       64,
		TLBWays:       16,
		PageCacheSets: 64,
		PageCacheWays: 16,
		Parallelism:   8,
		LogLevel:      "warning",
	}
}

// loadFile overlays the TOML file at path. Keys missing from the file keep
// their current value.
func (c *config) loadFile(path string) error {
	if path == "" {
		return nil
	}

	_, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays the VMI_* variables. A .env file in the working
// directory is read first, without overriding the real environment.
func (c *config) loadEnv(dotenv string) error {
	err := godotenv.Load(dotenv)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", dotenv, err)
	}

	return c.applyVars(os.LookupEnv)
}

func (c *config) applyVars(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"VMI_IMAGE":     &c.Image,
		"VMI_ARCH":      &c.Arch,
		"VMI_ROOT":      &c.Root,
		"VMI_LOG_LEVEL": &c.LogLevel,
		"VMI_TRACE":     &c.Trace,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"VMI_TLB_SETS":        &c.TLBSets,
		"VMI_TLB_WAYS":        &c.TLBWays,
		"VMI_PAGE_CACHE_SETS": &c.PageCacheSets,
		"VMI_PAGE_CACHE_WAYS": &c.PageCacheWays,
		"VMI_PARALLELISM":     &c.Parallelism,
		"VMI_PORT":            &c.Port,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		*dst = n
	}

	if v, ok := lookup("VMI_WRITABLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VMI_WRITABLE: %w", err)
		}

		c.Writable = b
	}

	if v, ok := lookup("VMI_READS_PER_SEC"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VMI_READS_PER_SEC: %w", err)
		}

		c.ReadsPerSec = f
	}

	return nil
}

// applyFlags overlays the flags the user set explicitly.
func (c *config) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()

	var err error

	set := func(name string, fn func()) {
		if err == nil && flags.Changed(name) {
			fn()
		}
	}

	set("image", func() { c.Image, err = flags.GetString("image") })
	set("writable", func() { c.Writable, err = flags.GetBool("writable") })
	set("arch", func() { c.Arch, err = flags.GetString("arch") })
	set("root", func() { c.Root, err = flags.GetString("root") })
	set("trace", func() { c.Trace, err = flags.GetString("trace") })
	set("parallelism", func() { c.Parallelism, err = flags.GetInt("parallelism") })
	set("reads-per-sec", func() {
		c.ReadsPerSec, err = flags.GetFloat64("reads-per-sec")
	})
	set("port", func() { c.Port, err = flags.GetInt("port") })
	set("verbose", func() {
		var verbose bool
		if verbose, err = flags.GetBool("verbose"); verbose {
			c.LogLevel = "debug"
		}
	})

	return err
}

func (c *config) logLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

func (c *config) root() (mem.Address, error) {
	if c.Root == "" {
		return 0, errors.New("no address space root given, use --root")
	}

	return parseAddress(c.Root)
}

func (c *config) memoryMap() (*mem.MemoryMap, error) {
	if len(c.Regions) == 0 {
		return nil, nil
	}

	m := mem.NewMemoryMap()
	for _, r := range c.Regions {
		err := m.Push(mem.Address(r.Base), r.Size, r.Offset)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// parseAddress accepts hex with or without 0x, and ` or _ as digit
// separators, as debuggers print them.
func parseAddress(s string) (mem.Address, error) {
	clean := strings.NewReplacer("`", "", "_", "").Replace(s)
	clean = strings.TrimPrefix(strings.ToLower(clean), "0x")

	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}

	return mem.Address(v), nil
}
