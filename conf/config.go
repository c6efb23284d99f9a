package conf

/*
   Package conf wraps viper for the honest broker app. Configuration is read
   once from an env file if one exists at a known location; any key not
   present in the file falls through to the process environment. The file,
   once loaded, is treated as immutable for the lifetime of the process
   (tests excepted, via SetEnv/UnsetEnv).
*/

import (
	"os"
	"strconv"
	"testing"

	"github.com/spf13/viper"
)

var envVars viper.Viper

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, do the read and parse of the config file now
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}
	return v
}

func init() {
	// Possible config file locations, checked in order.
	var locations = []string{
		"/etc/hbroker",
		"./shared_files",
		".",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc + "/local.env"); err == nil {
			envVars = *setup(loc)
			return
		}
	}
	state = noconfigfound
}

// GetEnv retrieves the value stored in conf. If it does not exist, the empty
// string is returned.
func GetEnv(key string) string {
	if state == configgood {
		if value := envVars.GetString(key); value != "" {
			return value
		}
		// Key not tracked by the config file; try the environment.
		if value, ok := os.LookupEnv(key); ok {
			envVars.Set(key, value)
			return value
		}
		return ""
	}
	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}
		if v, exist := os.LookupEnv(key); exist {
			envVars.Set(key, v)
			return v, true
		}
		return "", false
	}
	return os.LookupEnv(key)
}

// GetEnvInt retrieves an integer value, falling back to defaultVal when the
// key is unset or unparseable.
func GetEnvInt(key string, defaultVal int) int {
	if v := GetEnv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// SetEnv adds a key value into conf. The *testing.T parameter is there to
// ensure developers knowingly use it only in test scope.
func SetEnv(protect *testing.T, key string, value string) error {
	var err error
	if state == configgood {
		envVars.Set(key, value)
	} else {
		err = os.Setenv(key, value)
	}
	return err
}

// UnsetEnv "unsets" a variable, both in conf and the process environment.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}
	return os.Unsetenv(key)
}
