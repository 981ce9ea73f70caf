// Separate package for hardware/modem related config structure.
// Ugly workaround to import cycles.
package modem_config

type Config struct { //nolint:maligned
	APN              string `hcl:"apn"`
	Device           string `hcl:"device"`
	Baud             int    `hcl:"baud"`
	LogDebug         bool   `hcl:"log_debug"`
	CommandTimeoutMs int    `hcl:"command_timeout_ms"`
	BearerTimeoutMs  int    `hcl:"bearer_timeout_ms"`
}
