package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/osdi23p228/txflow/pkg/infra"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	fullCmd string
)

var (
	app         = kingpin.New("txflow", "Endorse, order and confirm Hyperledger Fabric transactions")
	configFile  = app.Flag("config", "Path of config file").Short('c').String()
	metricsAddr = app.Flag("metrics-addr", "Serve Prometheus metrics on this address").String()
	targets     = app.Flag("target", "Endorser address to send the proposal to, repeatable (default: all)").Strings()

	invoke     = app.Command("invoke", "Invoke chaincode and wait for the commit").Default()
	invokeFcn  = invoke.Flag("fcn", "Function name, overrides invokeRequest").String()
	invokeArgs = invoke.Flag("arg", "Argument, repeatable, overrides invokeRequest").Strings()

	query     = app.Command("query", "Query chaincode on every target")
	queryFcn  = query.Flag("fcn", "Function name, overrides queryRequest").String()
	queryArgs = query.Flag("arg", "Argument, repeatable, overrides queryRequest").Strings()

	install        = app.Command("install", "Install the chaincode package on the endorsers")
	installPackage = install.Flag("package", "Gzipped chaincode source tar, overrides chaincodePackage").String()

	instantiate     = app.Command("instantiate", "Instantiate the installed chaincode on the channel")
	instantiateFcn  = instantiate.Flag("fcn", "Init function name, overrides deployRequest").String()
	instantiateArgs = instantiate.Flag("arg", "Init argument, repeatable, overrides deployRequest").Strings()

	deploy        = app.Command("deploy", "Install then instantiate the chaincode")
	deployPackage = deploy.Flag("package", "Gzipped chaincode source tar, overrides chaincodePackage").String()

	version = app.Command("version", "Show version information")
)

func setLogLevel(logger *log.Logger) {
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv("TXFLOW_LOGLEVEL"); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
}

func getLogger() *log.Logger {
	logger := log.New()
	setLogLevel(logger)
	return logger
}

func getConfig() (*infra.Config, error) {
	if *configFile == "" {
		return nil, errors.New("--config is required")
	}
	return infra.LoadConfigFromFile(*configFile)
}

func serveMetrics(logger *log.Logger) *infra.Metrics {
	registry := prometheus.NewRegistry()
	metrics := infra.NewMetrics(registry)
	if *metricsAddr == "" {
		return metrics
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Errorf("Metrics server stopped: %v", err)
		}
	}()
	return metrics
}

func override(fcn string, args []string) infra.Override {
	o := infra.Override{Function: fcn, Targets: *targets}
	if len(args) > 0 {
		o.Args = args
	}
	return o
}

func codePackage(config *infra.Config, flag string) ([]byte, error) {
	if flag != "" {
		return infra.ReadCodePackage(flag)
	}
	return infra.ReadCodePackage(config.ChaincodePackage)
}

func run(ctx context.Context, cmd string, logger *log.Logger) error {
	config, err := getConfig()
	if err != nil {
		return err
	}

	identity, err := infra.LoadCrypto(config.MSPID, config.PrivateKey, config.SignCert)
	if err != nil {
		return err
	}

	client, err := infra.Dial(config, identity, logger, infra.WithMetrics(serveMetrics(logger)))
	if err != nil {
		return err
	}
	defer client.Close()

	initiator := infra.NewInitiator(config)
	switch cmd {
	case invoke.FullCommand():
		result, err := client.Invoke(ctx, initiator.InvokeRequest(override(*invokeFcn, *invokeArgs)))
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", result.TxID, result.Outcome, result.Payload)

	case query.FullCommand():
		responses, err := client.Query(ctx, initiator.QueryRequest(override(*queryFcn, *queryArgs)))
		if err != nil {
			return err
		}
		for _, r := range responses {
			if r.Good() {
				fmt.Printf("%s %d %s\n", r.Endorser, r.Status, r.Payload)
			} else {
				fmt.Printf("%s %d %s\n", r.Endorser, r.Status, r.Message)
			}
		}

	case install.FullCommand():
		pkg, err := codePackage(config, *installPackage)
		if err != nil {
			return err
		}
		spec := initiator.ChaincodeSpec(override("", nil), pkg)
		if _, err := client.Install(ctx, spec, *targets); err != nil {
			return err
		}
		logger.Infof("Chaincode %s:%s installed", spec.Name, spec.Version)

	case instantiate.FullCommand():
		spec := initiator.ChaincodeSpec(override(*instantiateFcn, *instantiateArgs), nil)
		result, err := client.Instantiate(ctx, spec, *targets)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", result.TxID, result.Outcome)

	case deploy.FullCommand():
		pkg, err := codePackage(config, *deployPackage)
		if err != nil {
			return err
		}
		spec := initiator.ChaincodeSpec(override("", nil), pkg)
		if _, err := client.Install(ctx, spec, *targets); err != nil {
			return err
		}
		logger.Infof("Chaincode %s:%s installed, instantiating", spec.Name, spec.Version)
		result, err := client.Instantiate(ctx, spec, *targets)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", result.TxID, result.Outcome)
	}
	return nil
}

func main() {
	var err error
	logger := getLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))
	switch fullCmd {
	case invoke.FullCommand(), query.FullCommand(), install.FullCommand(), instantiate.FullCommand(), deploy.FullCommand():
		err = run(ctx, fullCmd, logger)
	case version.FullCommand():
		fmt.Print(infra.GetVersionInfo())
	default:
		err = errors.Errorf("Invalid command: %s", fullCmd)
	}

	if err != nil {
		logger.Errorf("%s failed: %v", fullCmd, err)
		stop()
		os.Exit(1)
	}
}
