package infra

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io/ioutil"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

const (
	lscc        = "lscc"
	lsccInstall = "install"
	lsccDeploy  = "deploy"
	noChannel   = ""
)

// ChaincodeSpec describes a chaincode to install or instantiate
type ChaincodeSpec struct {
	Name    string
	Version string
	// Path is the import path of the chaincode inside CodePackage
	Path string
	// CodePackage is the gzipped source tar sent by install
	CodePackage []byte
	// Function and Args are the init call made by instantiate
	Function string
	Args     []string
}

// ReadCodePackage loads the chaincode source as a gzipped tar, laid out the
// way the peer expects it for the chaincode type (src/<path>/... for Go).
// It is placed as is into the deployment spec, so a package produced by
// `peer chaincode package` (a signed envelope) is refused.
func ReadCodePackage(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("chaincode package is not provided")
	}
	pkg, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read chaincode package %s", path)
	}

	gz, err := gzip.NewReader(bytes.NewReader(pkg))
	if err != nil {
		return nil, errors.Wrapf(err, "chaincode package %s is not gzipped", path)
	}
	defer gz.Close()
	if _, err := tar.NewReader(gz).Next(); err != nil {
		return nil, errors.Wrapf(err, "chaincode package %s is not a tar archive", path)
	}
	return pkg, nil
}

func (s *ChaincodeSpec) deploymentSpec(withCode bool) ([]byte, error) {
	if s.Name == "" || s.Version == "" {
		return nil, errors.New("chaincode name and version are required")
	}

	argsByte := make([][]byte, 0, len(s.Args)+1)
	if s.Function != "" {
		argsByte = append(argsByte, []byte(s.Function))
	}
	for _, arg := range s.Args {
		argsByte = append(argsByte, []byte(arg))
	}

	cds := &peer.ChaincodeDeploymentSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: &peer.ChaincodeID{Name: s.Name, Version: s.Version, Path: s.Path},
			Input:       &peer.ChaincodeInput{Args: argsByte},
		},
	}
	if withCode {
		if len(s.CodePackage) == 0 {
			return nil, errors.New("install requires a code package")
		}
		cds.CodePackage = s.CodePackage
	}

	cdsBytes, err := proto.Marshal(cds)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling ChaincodeDeploymentSpec")
	}
	return cdsBytes, nil
}

// installRequest builds the lscc call placing the package on the peers.
// Install is not bound to a channel.
func (s *ChaincodeSpec) installRequest(targets []string) (ProposalRequest, error) {
	cds, err := s.deploymentSpec(true)
	if err != nil {
		return ProposalRequest{}, err
	}
	return ProposalRequest{
		Channel:     noChannel,
		Chaincode:   lscc,
		Function:    lsccInstall,
		Args:        []string{string(cds)},
		Targets:     targets,
		InstallOnly: true,
	}, nil
}

// instantiateRequest builds the lscc call starting the chaincode on a channel
func (s *ChaincodeSpec) instantiateRequest(channel string, targets []string) (ProposalRequest, error) {
	cds, err := s.deploymentSpec(false)
	if err != nil {
		return ProposalRequest{}, err
	}
	return ProposalRequest{
		Channel:   channel,
		Chaincode: lscc,
		Function:  lsccDeploy,
		Args:      []string{channel, string(cds)},
		Targets:   targets,
	}, nil
}
