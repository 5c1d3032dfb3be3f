package scp

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"gopkg.in/yaml.v3"

	"github.com/dcmnode/dcmnode"
	"github.com/dcmnode/dcmnode/extract"
	"github.com/dcmnode/dcmnode/sopclass"
)

// ObjectStoreConfig points the SCP at an S3-compatible bucket.
type ObjectStoreConfig struct {
	Bucket    string `yaml:"bucket" validate:"required"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
}

// Config is the store-SCP configuration surface, loadable from YAML.
type Config struct {
	// TCP port to bind.
	ListenPort int `yaml:"listen_port" validate:"min=0,max=65535"`
	// AE title announced in the A-ASSOCIATE-AC.
	CallingAETitle string `yaml:"calling_ae_title" validate:"omitempty,max=16"`
	// Advertised maximum PDU length in bytes.
	MaxPDULength int `yaml:"max_pdu_length" validate:"omitempty,min=4096,max=131072"`
	// Reject inbound PDUs larger than MaxPDULength.
	Strict bool `yaml:"strict"`
	// Accept any abstract syntax regardless of AbstractSyntaxMode.
	Promiscuous bool `yaml:"promiscuous"`
	// Shorthand forcing TransferSyntaxMode to uncompressed_only.
	UncompressedOnly bool `yaml:"uncompressed_only"`

	AbstractSyntaxMode string   `yaml:"abstract_syntax_mode" validate:"omitempty,oneof=all all_storage custom"`
	AbstractSyntaxes   []string `yaml:"abstract_syntaxes"`
	TransferSyntaxMode string   `yaml:"transfer_syntax_mode" validate:"omitempty,oneof=all uncompressed_only custom"`
	TransferSyntaxes   []string `yaml:"transfer_syntaxes"`

	StorageBackend string             `yaml:"storage_backend" validate:"omitempty,oneof=filesystem object_store"`
	FilesystemRoot string             `yaml:"filesystem_root"`
	ObjectStore    *ObjectStoreConfig `yaml:"object_store"`

	// Persist the full part10 file (preamble + meta + dataset) instead of
	// the bare dataset bytes.
	StoreWithFileMeta bool `yaml:"store_with_file_meta"`
	// Seconds without a new instance before a study counts as complete.
	// 0 completes each study right after its first instance.
	StudyTimeoutSeconds int `yaml:"study_timeout_seconds" validate:"min=0"`

	ExtractTags       []string            `yaml:"extract_tags"`
	ExtractCustomTags []extract.CustomTag `yaml:"extract_custom_tags"`
	GroupingStrategy  string              `yaml:"grouping_strategy" validate:"omitempty,oneof=by_scope flat study_level custom"`

	// Seconds an established association may stay silent before it is
	// aborted. 0 disables the idle check.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"min=0"`
}

// DefaultConfig returns the configuration an empty YAML file resolves to:
// port 11111, AE title STORE-SCP, 16 KiB PDUs, storage SOP classes on a
// filesystem backend, by-scope tag grouping.
func DefaultConfig() Config {
	return Config{
		ListenPort:         11111,
		CallingAETitle:     "STORE-SCP",
		MaxPDULength:       16384,
		AbstractSyntaxMode: "all_storage",
		TransferSyntaxMode: "all",
		StorageBackend:     "filesystem",
		GroupingStrategy:   "by_scope",
	}
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("scp: read config: %w", err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("scp: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ListenPort == 0 {
		c.ListenPort = def.ListenPort
	}
	if c.CallingAETitle == "" {
		c.CallingAETitle = def.CallingAETitle
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = def.MaxPDULength
	}
	if c.AbstractSyntaxMode == "" {
		c.AbstractSyntaxMode = def.AbstractSyntaxMode
	}
	if c.TransferSyntaxMode == "" {
		c.TransferSyntaxMode = def.TransferSyntaxMode
	}
	if c.UncompressedOnly {
		c.TransferSyntaxMode = "uncompressed_only"
	}
	if c.StorageBackend == "" {
		c.StorageBackend = def.StorageBackend
	}
	if c.GroupingStrategy == "" {
		c.GroupingStrategy = def.GroupingStrategy
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements. Call
// applyDefaults (or go through Load) first when starting from a sparse
// config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("scp: invalid config: %w", err)
	}
	if c.AbstractSyntaxMode == "custom" && len(c.AbstractSyntaxes) == 0 {
		return fmt.Errorf("scp: abstract_syntax_mode custom requires abstract_syntaxes")
	}
	if c.TransferSyntaxMode == "custom" && len(c.TransferSyntaxes) == 0 {
		return fmt.Errorf("scp: transfer_syntax_mode custom requires transfer_syntaxes")
	}
	switch c.StorageBackend {
	case "filesystem":
		if c.FilesystemRoot == "" {
			return fmt.Errorf("scp: filesystem backend requires filesystem_root")
		}
	case "object_store":
		if c.ObjectStore == nil {
			return fmt.Errorf("scp: object_store backend requires an object_store section")
		}
		if err := validate.Struct(c.ObjectStore); err != nil {
			return fmt.Errorf("scp: invalid object_store config: %w", err)
		}
	}
	if _, err := c.acceptorPolicy(); err != nil {
		return err
	}
	if _, err := extract.ParseStrategy(c.GroupingStrategy); err != nil {
		return err
	}
	return nil
}

// acceptorPolicy translates the negotiation options into the engine's
// accept sets.
func (c *Config) acceptorPolicy() (dcmnode.AcceptorPolicy, error) {
	var policy dcmnode.AcceptorPolicy
	switch {
	case c.Promiscuous:
		// Empty set accepts everything.
	case c.AbstractSyntaxMode == "all":
		for _, s := range sopclass.All() {
			policy.AbstractSyntaxes = append(policy.AbstractSyntaxes, s.UID)
		}
	case c.AbstractSyntaxMode == "custom":
		for _, nameOrUID := range c.AbstractSyntaxes {
			uid, err := sopclass.CanonicalUID(nameOrUID)
			if err != nil {
				return dcmnode.AcceptorPolicy{}, fmt.Errorf("scp: abstract_syntaxes: %w", err)
			}
			policy.AbstractSyntaxes = append(policy.AbstractSyntaxes, uid)
		}
		policy.AbstractSyntaxes = appendMissing(policy.AbstractSyntaxes, dicomuid.VerificationSOPClass)
	default: // all_storage
		for _, s := range sopclass.StorageClasses {
			policy.AbstractSyntaxes = append(policy.AbstractSyntaxes, s.UID)
		}
		policy.AbstractSyntaxes = append(policy.AbstractSyntaxes, dicomuid.VerificationSOPClass)
	}

	switch c.TransferSyntaxMode {
	case "uncompressed_only":
		policy.TransferSyntaxes = []string{
			dicomuid.ExplicitVRLittleEndian,
			dicomuid.ImplicitVRLittleEndian,
		}
	case "custom":
		for _, ts := range c.TransferSyntaxes {
			uid, err := dicomio.CanonicalTransferSyntaxUID(ts)
			if err != nil {
				return dcmnode.AcceptorPolicy{}, fmt.Errorf("scp: transfer_syntaxes: %w", err)
			}
			policy.TransferSyntaxes = append(policy.TransferSyntaxes, uid)
		}
	default: // all: accept whatever the peer proposes
	}
	return policy, nil
}

func appendMissing(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

func (c *Config) studyTimeout() time.Duration {
	return time.Duration(c.StudyTimeoutSeconds) * time.Second
}

func (c *Config) idleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
