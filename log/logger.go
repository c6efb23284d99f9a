package log

import (
	"os"
	"path/filepath"

	"github.com/radrouter/hbroker-app/conf"
	"github.com/sirupsen/logrus"
)

var (
	API      logrus.FieldLogger
	Registry logrus.FieldLogger
	Remote   logrus.FieldLogger
	Store    logrus.FieldLogger
)

func init() {
	API = Logger(logrus.New(), conf.GetEnv("HBROKER_API_LOG"),
		"api", conf.GetEnv("ENVIRONMENT"))
	Registry = Logger(logrus.New(), conf.GetEnv("HBROKER_REGISTRY_LOG"),
		"registry", conf.GetEnv("ENVIRONMENT"))
	Remote = Logger(logrus.New(), conf.GetEnv("HBROKER_REMOTE_LOG"),
		"remote", conf.GetEnv("ENVIRONMENT"))
	Store = Logger(logrus.New(), conf.GetEnv("HBROKER_STORE_LOG"),
		"store", conf.GetEnv("ENVIRONMENT"))
}

func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.Formatter = &logrus.JSONFormatter{}

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment})
}
