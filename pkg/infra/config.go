package infra

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultCommitTimeout = 60 * time.Second
	DefaultDialTimeout   = 30 * time.Second
)

var (
	itemNotProvidedError = errors.New("No such item")
)

type Node struct {
	Address            string `yaml:"address"`
	TLSCACert          string `yaml:"tlsCACert"`
	TLSCAKey           string `yaml:"tlsCAKey"`
	TLSCARoot          string `yaml:"tlsCARoot"`
	ServerNameOverride string `yaml:"serverNameOverride"`
	TLSCACertByte      []byte `yaml:"-"`
	TLSCAKeyByte       []byte `yaml:"-"`
	TLSCARootByte      []byte `yaml:"-"`
}

// Request holds the default function and arguments of one kind of chaincode call
type Request struct {
	FunctionName string   `yaml:"functionName"`
	Args         []string `yaml:"args"`
}

type Config struct {
	// Network
	Endorsers []Node `yaml:"endorsers"` // peers asked for endorsement
	Orderer   Node   `yaml:"orderer"`   // orderer
	Events    []Node `yaml:"events"`    // peers whose commit events confirm a transaction
	Channel   string `yaml:"channel"`   // name of the channel to be operated on

	// Chaincode
	Chaincode        string `yaml:"chaincode"`        // chaincode name
	Version          string `yaml:"version"`          // chaincode version
	ChaincodePath    string `yaml:"chaincodePath"`    // import path of the chaincode in its package
	ChaincodePackage string `yaml:"chaincodePackage"` // gzipped source tar sent by install

	DeployRequest Request `yaml:"deployRequest"`
	InvokeRequest Request `yaml:"invokeRequest"`
	QueryRequest  Request `yaml:"queryRequest"`

	// Client identity
	MSPID      string `yaml:"mspid"`      // the MSP the client belongs
	PrivateKey string `yaml:"privateKey"` // client's private key
	SignCert   string `yaml:"signCert"`   // client's certificate

	CommitTimeout time.Duration `yaml:"commitTimeout"` // bound on waiting for commit events
	DialTimeout   time.Duration `yaml:"dialTimeout"`   // bound on establishing a connection

	// Minimum number of good endorsements, 0 requires all of them
	Quorum int `yaml:"quorum"`

	// If true, log the read set and write set of endorsed proposals
	CheckRWSet bool `yaml:"checkRWSet"`
}

func (c *Config) loadRawConfigFromFile(filename string) error {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "fail to load %s", filename)
	}

	if err = yaml.UnmarshalStrict(raw, c); err != nil {
		return errors.Wrapf(err, "fail to unmarshal %s", filename)
	}
	return nil
}

func (c *Config) loadNodeConfigs() error {
	for i := range c.Endorsers {
		if err := c.Endorsers[i].loadConfig(); err != nil {
			return errors.WithMessagef(err, "endorser %d", i)
		}
	}

	if err := c.Orderer.loadConfig(); err != nil {
		return errors.WithMessage(err, "orderer")
	}

	for i := range c.Events {
		if err := c.Events[i].loadConfig(); err != nil {
			return errors.WithMessagef(err, "event endpoint %d", i)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.CommitTimeout == 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Validate checks the fields that the pipeline cannot work without
func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel is not provided")
	}
	if c.Chaincode == "" {
		return errors.New("chaincode is not provided")
	}
	if len(c.Endorsers) == 0 {
		return errors.New("at least one endorser is required")
	}
	for i, n := range c.Endorsers {
		if n.Address == "" {
			return errors.Errorf("endorser %d has no address", i)
		}
	}
	for i, n := range c.Events {
		if n.Address == "" {
			return errors.Errorf("event endpoint %d has no address", i)
		}
	}
	if c.Quorum < 0 {
		return errors.Errorf("quorum %d is not a zero (unanimity) or positive number", c.Quorum)
	}
	if c.Quorum > len(c.Endorsers) {
		return errors.Errorf("quorum %d is bigger than the number of endorsers %d", c.Quorum, len(c.Endorsers))
	}
	if c.CommitTimeout < 0 {
		return errors.Errorf("commit timeout %s is negative", c.CommitTimeout)
	}
	return nil
}

// LoadConfigFromFile reads, completes and validates a configuration file.
// JSON files are accepted as well.
func LoadConfigFromFile(filename string) (*Config, error) {
	c := &Config{}

	if err := c.loadRawConfigFromFile(filename); err != nil {
		return nil, err
	}
	if err := c.loadNodeConfigs(); err != nil {
		return nil, err
	}
	c.setDefaults()

	if err := c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config %s", filename)
	}
	return c, nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if file == "" {
		return nil, itemNotProvidedError
	}

	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "TLS CA Cert of %s", n.Address)
	}

	keyByte, err := GetTLSCACerts(n.TLSCAKey)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "TLS CA Key of %s", n.Address)
	}

	rootByte, err := GetTLSCACerts(n.TLSCARoot)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "TLS CA Root of %s", n.Address)
	}

	n.TLSCACertByte = certByte
	n.TLSCAKeyByte = keyByte
	n.TLSCARootByte = rootByte
	return nil
}
