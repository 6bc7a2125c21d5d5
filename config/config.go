// Package config loads the host configuration of mjail from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"code.cloudfoundry.org/mjail"
)

const DefaultPath = "/usr/local/etc/mjail.yml"

type Config struct {
	Root     string `yaml:"root" validate:"required,startswith=/"`
	JailConf string `yaml:"jail_conf" validate:"required,startswith=/"`
	Hosts    string `yaml:"hosts" validate:"required,startswith=/"`

	Network           string `yaml:"network" validate:"required,cidrv4"`
	ClonedInterface   string `yaml:"cloned_interface" validate:"required,ifname"`
	ExternalInterface string `yaml:"external_interface" validate:"required,ifname"`

	PFAnchor string `yaml:"pf_anchor" validate:"required,alphanum"`
	PFConf   string `yaml:"pf_conf" validate:"required,startswith=/"`

	HostSSHDConfig      string `yaml:"host_sshd_config" validate:"required,startswith=/"`
	FreeBSDUpdateConfig string `yaml:"freebsd_update_config" validate:"required,startswith=/"`
	UnboundConfDir      string `yaml:"unbound_conf_dir" validate:"required,startswith=/"`

	ReleaseMirror     string   `yaml:"release_mirror" validate:"required,url"`
	ReleaseComponents []string `yaml:"release_components" validate:"required,min=1,dive,required"`
}

func Default() Config {
	return Config{
		Root:     "/var/mjail",
		JailConf: "/etc/jail.conf",
		Hosts:    "/etc/hosts",

		Network:           "10.240.0.0/24",
		ClonedInterface:   "lo1",
		ExternalInterface: "em0",

		PFAnchor: "mjail",
		PFConf:   "/etc/pf.conf",

		HostSSHDConfig:      "/etc/ssh/sshd_config",
		FreeBSDUpdateConfig: "/etc/freebsd-update.conf",
		UnboundConfDir:      "/var/unbound/conf.d",

		ReleaseMirror:     "http://ftp.freebsd.org/pub/FreeBSD/releases/amd64/amd64",
		ReleaseComponents: []string{"base.txz", "lib32.txz", "doc.txz"},
	}
}

// Load reads the file at path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	config := Default()

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}

	if err != nil {
		return Config{}, err
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

var (
	validate = validator.New()

	ifnamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)
)

func init() {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		return name
	})

	_ = validate.RegisterValidation("ifname", func(fl validator.FieldLevel) bool {
		return ifnamePattern.MatchString(fl.Field().String())
	})
}

// Validate reports the first invalid setting as an mjail.ValidationError.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fieldErr := fieldErrs[0]

		return mjail.ValidationError{
			Field:  fieldErr.Field(),
			Reason: fmt.Sprintf("%v fails %q", fieldErr.Value(), fieldErr.ActualTag()),
		}
	}

	return err
}

func (c Config) IPNet() (*net.IPNet, error) {
	_, ipNet, err := net.ParseCIDR(c.Network)
	if err != nil {
		return nil, mjail.ValidationError{Field: "network", Reason: err.Error()}
	}

	return ipNet, nil
}

func (c Config) InstancesPath() string {
	return filepath.Join(c.Root, "instances")
}

func (c Config) ReleasesPath() string {
	return filepath.Join(c.Root, "releases")
}

func (c Config) GeneratedConfsPath() string {
	return filepath.Join(c.Root, "generated_confs")
}

func (c Config) AnchorFile() string {
	return filepath.Join(c.GeneratedConfsPath(), "pf-anchor.conf")
}
