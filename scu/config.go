package scu

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dcmnode/dcmnode/pdu"
)

// Config is the sender configuration surface, loadable from YAML.
type Config struct {
	// host:port of the remote SCP.
	Addr           string `yaml:"addr" validate:"required"`
	CallingAETitle string `yaml:"calling_ae_title" validate:"omitempty,max=16"`
	CalledAETitle  string `yaml:"called_ae_title" validate:"omitempty,max=16"`
	// First message ID handed out. Mostly useful to make wire captures
	// predictable.
	MessageID int `yaml:"message_id" validate:"min=0,max=65535"`
	// Max PDU size this side is willing to receive; 0 uses the engine
	// default.
	MaxPDULength int `yaml:"max_pdu_length" validate:"omitempty,min=4096,max=131072"`
	// Stop every worker after the first failed file.
	FailFirst bool `yaml:"fail_first"`
	// Propose no transcoding safety nets; files go out in their stored
	// transfer syntax or, when the peer insists, another uncompressed one.
	NeverTranscode bool `yaml:"never_transcode"`
	// Send files whose SOP class is absent from the registry.
	IgnoreSOPClass bool `yaml:"ignore_sop_class"`

	// At most one identity mechanism may be set. Password rides along with
	// Username.
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	KerberosServiceTicket string `yaml:"kerberos_service_ticket"`
	SAMLAssertion         string `yaml:"saml_assertion"`
	JWT                   string `yaml:"jwt"`

	// Parallel associations during Send. Zero is rejected rather than
	// silently bumped.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
	// Files per second across all workers. 0 means unpaced.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
}

// DefaultConfig returns the baseline programmatic configuration: AE titles
// STORE-SCU to ANY-SCP, one worker, message IDs from 1. Addr must still be
// filled in.
func DefaultConfig() Config {
	return Config{
		CallingAETitle: "STORE-SCU",
		CalledAETitle:  "ANY-SCP",
		MessageID:      1,
		Concurrency:    1,
	}
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("scu: read config: %w", err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("scu: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CallingAETitle == "" {
		c.CallingAETitle = def.CallingAETitle
	}
	if c.CalledAETitle == "" {
		c.CalledAETitle = def.CalledAETitle
	}
	if c.MessageID == 0 {
		c.MessageID = def.MessageID
	}
}

var validate = validator.New()

// Validate checks field constraints and the user identity combination.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("scu: invalid config: %w", err)
	}
	if _, err := c.userIdentity(); err != nil {
		return err
	}
	return nil
}

// userIdentity maps the credential fields onto an A-ASSOCIATE user identity
// sub-item. Kerberos and SAML expect the server to confirm; the other
// mechanisms are fire-and-forget.
func (c *Config) userIdentity() (*pdu.UserIdentityRQ, error) {
	mechanisms := 0
	for _, set := range []bool{
		c.Username != "",
		c.KerberosServiceTicket != "",
		c.SAMLAssertion != "",
		c.JWT != "",
	} {
		if set {
			mechanisms++
		}
	}
	if mechanisms > 1 {
		return nil, fmt.Errorf("scu: at most one user identity mechanism may be configured")
	}
	if c.Password != "" && c.Username == "" {
		return nil, fmt.Errorf("scu: password requires username")
	}
	switch {
	case c.Username != "" && c.Password != "":
		return &pdu.UserIdentityRQ{
			Type:           pdu.UserIdentityTypeUsernamePasscode,
			PrimaryField:   []byte(c.Username),
			SecondaryField: []byte(c.Password),
		}, nil
	case c.Username != "":
		return &pdu.UserIdentityRQ{
			Type:         pdu.UserIdentityTypeUsername,
			PrimaryField: []byte(c.Username),
		}, nil
	case c.KerberosServiceTicket != "":
		return &pdu.UserIdentityRQ{
			Type:                      pdu.UserIdentityTypeKerberos,
			PositiveResponseRequested: true,
			PrimaryField:              []byte(c.KerberosServiceTicket),
		}, nil
	case c.SAMLAssertion != "":
		return &pdu.UserIdentityRQ{
			Type:                      pdu.UserIdentityTypeSAML,
			PositiveResponseRequested: true,
			PrimaryField:              []byte(c.SAMLAssertion),
		}, nil
	case c.JWT != "":
		return &pdu.UserIdentityRQ{
			Type:         pdu.UserIdentityTypeJWT,
			PrimaryField: []byte(c.JWT),
		}, nil
	}
	return nil, nil
}
