package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/rossigee/ec2-volume-provisioner/internal/cloud"
	"github.com/rossigee/ec2-volume-provisioner/internal/config"
	"github.com/rossigee/ec2-volume-provisioner/internal/provisioner"
	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("Command failed")
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ec2-volume-provisioner"
	app.Usage = "ensure EBS volumes exist, are attached, or are gone"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		cli.StringFlag{Name: "access-key", Usage: "access key id (AWS_ACCESS_KEY_ID, EC2_ACCESS_KEY)"},
		cli.StringFlag{Name: "secret-key", Usage: "secret access key (AWS_SECRET_ACCESS_KEY, EC2_SECRET_KEY)"},
		cli.StringFlag{Name: "session-token", Usage: "session token (AWS_SESSION_TOKEN, EC2_SECURITY_TOKEN)"},
		cli.StringFlag{Name: "region", Usage: "region (AWS_REGION, EC2_REGION)"},
		cli.StringFlag{Name: "endpoint-url", Usage: "custom EC2 endpoint (AWS_ENDPOINT_URL, EC2_URL)"},
		cli.StringFlag{Name: "profile", Usage: "shared config profile (AWS_PROFILE)"},
		cli.StringFlag{Name: "validate-certs", Usage: "verify endpoint TLS certificates (AWS_VALIDATE_CERTS)"},
		cli.DurationFlag{Name: "poll-interval", Usage: "delay between status checks (POLL_INTERVAL)"},
		cli.DurationFlag{Name: "poll-timeout", Usage: "give up waiting after this long (POLL_TIMEOUT)"},
	}
	app.Commands = []cli.Command{
		{
			Name:   "ensure",
			Usage:  "converge one volume on the requested state and print the result as JSON",
			Flags:  ensureFlags(),
			Action: ensureAction,
		},
		{
			Name:   "serve",
			Usage:  "run the HTTP job service",
			Action: serveAction,
		},
	}
	return app
}

func ensureFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "instance-id", Usage: "instance to attach to or list"},
		cli.StringFlag{Name: "volume-id", Usage: "existing volume id"},
		cli.StringFlag{Name: "name", Usage: "value of the volume's Name tag"},
		cli.IntFlag{Name: "size", Usage: "size in GiB for a new volume"},
		cli.StringFlag{Name: "volume-type", Usage: "standard, gp2, gp3, io1, io2, st1 or sc1"},
		cli.IntFlag{Name: "iops", Usage: "provisioned IOPS"},
		cli.BoolFlag{Name: "encrypted", Usage: "encrypt a new volume"},
		cli.StringFlag{Name: "kms-key-id", Usage: "KMS key for encryption"},
		cli.StringFlag{Name: "snapshot-id", Usage: "snapshot to create the volume from"},
		cli.StringFlag{Name: "device-name", Usage: "device to attach as; inferred when empty"},
		cli.StringFlag{Name: "zone", Usage: "availability zone for volumes without an instance"},
		cli.StringSliceFlag{Name: "tag", Usage: "key=value tag for a new volume, repeatable"},
		cli.StringFlag{Name: "delete-on-termination", Usage: "true or false"},
		cli.StringFlag{Name: "state", Value: string(types.StatePresent), Usage: "present, absent or list"},
		cli.StringFlag{Name: "correlation-id", Usage: "identifier echoed in logs"},
	}
}

// loadConfig layers global flags over the environment
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Load()

	overrides := map[string]*string{
		"log-level":     &cfg.LogLevel,
		"access-key":    &cfg.AccessKey,
		"secret-key":    &cfg.SecretKey,
		"session-token": &cfg.SessionToken,
		"region":        &cfg.Region,
		"endpoint-url":  &cfg.EndpointURL,
		"profile":       &cfg.Profile,
	}
	for flag, target := range overrides {
		if c.GlobalIsSet(flag) {
			*target = c.GlobalString(flag)
		}
	}
	if c.GlobalIsSet("validate-certs") {
		v, err := strconv.ParseBool(c.GlobalString("validate-certs"))
		if err != nil {
			return cfg, fmt.Errorf("invalid --validate-certs value %q: %w", c.GlobalString("validate-certs"), err)
		}
		cfg.ValidateCerts = v
	}
	if c.GlobalIsSet("poll-interval") {
		cfg.PollInterval = c.GlobalDuration("poll-interval")
	}
	if c.GlobalIsSet("poll-timeout") {
		cfg.PollTimeout = c.GlobalDuration("poll-timeout")
	}

	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("log_level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	// stdout carries the JSON result
	logrus.SetOutput(os.Stderr)
}

// requestFromFlags builds a provisioning request from ensure flags
func requestFromFlags(c *cli.Context) (types.ProvisionRequest, error) {
	size, err := int32Flag(c, "size")
	if err != nil {
		return types.ProvisionRequest{}, err
	}
	iops, err := int32Flag(c, "iops")
	if err != nil {
		return types.ProvisionRequest{}, err
	}

	req := types.ProvisionRequest{
		InstanceID:    c.String("instance-id"),
		VolumeID:      c.String("volume-id"),
		Name:          c.String("name"),
		VolumeSizeGB:  size,
		VolumeType:    c.String("volume-type"),
		IOPS:          iops,
		Encrypted:     c.Bool("encrypted"),
		KMSKeyID:      c.String("kms-key-id"),
		SnapshotID:    c.String("snapshot-id"),
		DeviceName:    c.String("device-name"),
		Zone:          c.String("zone"),
		State:         types.VolumeState(c.String("state")),
		CorrelationID: c.String("correlation-id"),
	}

	tags, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return req, err
	}
	req.Tags = tags

	if c.IsSet("delete-on-termination") {
		v, err := strconv.ParseBool(c.String("delete-on-termination"))
		if err != nil {
			return req, fmt.Errorf("%w: delete-on-termination must be true or false, got %q",
				provisioner.ErrInvalidParameter, c.String("delete-on-termination"))
		}
		req.DeleteOnTermination = &v
	}
	return req, nil
}

func int32Flag(c *cli.Context, name string) (int32, error) {
	v := c.Int(name)
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("%w: --%s %d is out of range", provisioner.ErrInvalidParameter, name, v)
	}
	return int32(v), nil
}

func parseTags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: tag %q must be key=value", provisioner.ErrInvalidParameter, value)
		}
		tags[key] = val
	}
	return tags, nil
}

func ensureAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := c.App.Writer
	cfg, err := loadConfig(c)
	if err != nil {
		return writeFailure(w, err)
	}

	req, err := requestFromFlags(c)
	if err != nil {
		return writeFailure(w, err)
	}
	// Reject bad requests before any credentials are resolved
	if err := provisioner.Validate(req); err != nil {
		return writeFailure(w, err)
	}

	client, err := cloud.NewClient(ctx, cfg)
	if err != nil {
		return writeFailure(w, err)
	}

	p := provisioner.New(client, provisioner.Options{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
	})
	return runEnsure(ctx, p, req, w)
}

type runner interface {
	Provision(ctx context.Context, req types.ProvisionRequest) (*types.ProvisionResult, error)
}

func runEnsure(ctx context.Context, p runner, req types.ProvisionRequest, w io.Writer) error {
	log := logrus.WithFields(logrus.Fields{
		"instance_id":    req.InstanceID,
		"volume_id":      req.VolumeID,
		"state":          req.State,
		"correlation_id": req.CorrelationID,
	})

	result, err := p.Provision(ctx, req)
	if err != nil {
		log.WithError(err).Debug("Provisioning failed")
		return writeFailure(w, err)
	}

	log.WithFields(logrus.Fields{
		"volume_id": result.VolumeID,
		"changed":   result.Changed,
	}).Debug("Provisioning finished")
	return json.NewEncoder(w).Encode(result)
}

// writeFailure prints the failure document and exits with status 1
func writeFailure(w io.Writer, err error) error {
	failure := types.FailureResult{
		Failed:  true,
		Message: err.Error(),
		Code:    provisioner.ErrorCode(err),
	}
	if encErr := json.NewEncoder(w).Encode(failure); encErr != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return cli.NewExitError("", 1)
}
