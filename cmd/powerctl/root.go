package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/mqtt"
)

const defaultWait = 2 * time.Second

// broker is the part of *mqtt.Client powerctl needs.
type broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Close() error
}

type app struct {
	connect func(cfg config.MQTTConfig) (broker, error)

	configPath string
	host       string
	port       int
	username   string
	password   string
	wait       time.Duration
	jsonOutput bool
}

func defaultApp() *app {
	return &app{
		connect: func(cfg config.MQTTConfig) (broker, error) {
			c, err := mqtt.Connect(cfg, mqtt.WithoutPresence())
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "powerctl",
		Short: "Control system power through powerd",
		Long: `powerctl talks to powerd over MQTT.

Systems may be named by identity or by display name. States are read from
the retained powerd/state topics; commands are published on powerd/command
and powerctl waits for the matching acknowledgement.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "powerd config file to take the MQTT section from")
	root.PersistentFlags().StringVar(&a.host, "host", "", "MQTT broker host (default localhost)")
	root.PersistentFlags().IntVar(&a.port, "port", 0, "MQTT broker port (default 1883)")
	root.PersistentFlags().StringVarP(&a.username, "username", "u", "", "MQTT username")
	root.PersistentFlags().StringVarP(&a.password, "password", "p", "", "MQTT password")
	root.PersistentFlags().DurationVarP(&a.wait, "wait", "w", defaultWait, "how long to wait for states or acknowledgements")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(newListCommand(a))
	root.AddCommand(newGetCommand(a))
	root.AddCommand(newSetCommand(a))

	return root
}

// mqttConfig resolves broker settings: defaults, then --config, then flags.
func (a *app) mqttConfig() (config.MQTTConfig, error) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "localhost", Port: 1883},
		QoS:    1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}

	if a.configPath != "" {
		full, err := config.Load(a.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = full.MQTT
	}

	if a.host != "" {
		cfg.Broker.Host = a.host
	}
	if a.port != 0 {
		cfg.Broker.Port = a.port
	}
	if a.username != "" {
		cfg.Auth.Username = a.username
		cfg.Auth.Password = a.password
	}

	// A unique client id keeps concurrent invocations from kicking each
	// other (and powerd) off the broker.
	cfg.Broker.ClientID = "powerctl-" + uuid.NewString()[:8]
	cfg.Enabled = true
	return cfg, nil
}

func (a *app) dial() (broker, error) {
	cfg, err := a.mqttConfig()
	if err != nil {
		return nil, err
	}
	b, err := a.connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", cfg.Broker.Host, cfg.Broker.Port, err)
	}
	return b, nil
}
