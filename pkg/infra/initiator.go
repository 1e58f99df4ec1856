package infra

// Initiator turns the default requests of the configuration, and whatever the
// caller overrides, into the requests sent by a Client
type Initiator struct {
	config *Config
}

func NewInitiator(config *Config) *Initiator {
	return &Initiator{config: config}
}

// Override replaces the configured function and arguments when set
type Override struct {
	Function string
	Args     []string
	Targets  []string
}

func (it *Initiator) InvokeRequest(o Override) InvocationRequest {
	return it.request(it.config.InvokeRequest, o)
}

func (it *Initiator) QueryRequest(o Override) InvocationRequest {
	return it.request(it.config.QueryRequest, o)
}

// ChaincodeSpec is the chaincode installed and instantiated by deploy
func (it *Initiator) ChaincodeSpec(o Override, codePackage []byte) ChaincodeSpec {
	req := it.request(it.config.DeployRequest, o)
	return ChaincodeSpec{
		Name:        it.config.Chaincode,
		Version:     it.config.Version,
		Path:        it.config.ChaincodePath,
		CodePackage: codePackage,
		Function:    req.Function,
		Args:        req.Args,
	}
}

func (it *Initiator) request(defaults Request, o Override) InvocationRequest {
	req := InvocationRequest{
		Chaincode: it.config.Chaincode,
		Version:   it.config.Version,
		Function:  defaults.FunctionName,
		Args:      defaults.Args,
		Targets:   o.Targets,
	}
	if o.Function != "" {
		req.Function = o.Function
	}
	if o.Args != nil {
		req.Args = o.Args
	}
	return req
}
