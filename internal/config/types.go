package config

const (
	DefaultAcmeBufferSize = 256
	DefaultAcmeDevice     = "iio:device0"
	DefaultAcmeOutput     = "acme-cape.csv"
	DefaultIIOCapture     = "iio-capture"
)

// Config holds the optional settings around a run. The alternation plan
// itself always comes from the positional arguments.
type Config struct {
	LogLevel        string       `yaml:"log_level"`
	SysfsRoot       string       `yaml:"sysfs_root"`
	RestoreGovernor bool         `yaml:"restore_governor"`
	Perf            bool         `yaml:"perf"`
	ReportDir       string       `yaml:"report_dir"`
	Influx          InfluxConfig `yaml:"influx"`
	Acme            AcmeConfig   `yaml:"acme"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// AcmeConfig describes an ACME cape power probe captured with iio-capture.
// The probe is used when Host is set.
type AcmeConfig struct {
	Host       string   `yaml:"host"`
	Devices    []string `yaml:"devices"`
	BufferSize int      `yaml:"buffer_size"`
	Output     string   `yaml:"output"`
	IIOCapture string   `yaml:"iio_capture"`
}

func (a AcmeConfig) Enabled() bool {
	return a.Host != ""
}
