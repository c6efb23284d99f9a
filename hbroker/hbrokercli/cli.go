package hbrokercli

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/radrouter/hbroker-app/conf"
	"github.com/radrouter/hbroker-app/hbroker/constants"
	"github.com/radrouter/hbroker-app/hbroker/database"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/models/postgres"
	"github.com/radrouter/hbroker-app/hbroker/registry"
	"github.com/radrouter/hbroker-app/hbroker/web"
)

// App Name and usage. Edit them here to prevent breaking tests
const Name = "hbroker"
const Usage = "Honest Broker de-identification service CLI"

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Version = constants.Version

	var brokerName, brokerType, namingScheme, idPrefix, idIn, idType, outPath, migrationsDir string
	var apiURL, stsURL, clientID, clientSecret, username, password, authStyle string
	var confirm, disabled bool
	var cacheTTL, cacheMax, requestTimeout int

	app.Commands = []cli.Command{
		{
			Name:  "start-api",
			Usage: "Start the administrative API",
			Action: func(c *cli.Context) error {
				db := database.GetDbConnection()
				defer db.Close()

				repo := postgres.NewRepository(db)
				reg := registry.New(repo,
					conf.GetEnv("HBROKER_UID_HASH_KEY"),
					conf.GetEnv("HBROKER_UID_ROOT"))

				fmt.Fprintf(app.Writer, "%s\n", "Starting hbroker...")

				srv := &http.Server{
					Handler:      web.NewRouter(reg, repo),
					Addr:         fmt.Sprintf(":%d", conf.GetEnvInt("HBROKER_API_PORT", constants.TestAPIPort)),
					ReadTimeout:  time.Duration(conf.GetEnvInt("API_READ_TIMEOUT", 10)) * time.Second,
					WriteTimeout: time.Duration(conf.GetEnvInt("API_WRITE_TIMEOUT", 20)) * time.Second,
					IdleTimeout:  time.Duration(conf.GetEnvInt("API_IDLE_TIMEOUT", 120)) * time.Second,
				}
				return srv.ListenAndServe()
			},
		},
		{
			Name:  "migrate",
			Usage: "Apply database migrations",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "dir",
					Usage:       "Migrations directory",
					Value:       "db/migrations",
					Destination: &migrationsDir,
				},
			},
			Action: func(c *cli.Context) error {
				m, err := migrate.New("file://"+migrationsDir, conf.GetEnv("DATABASE_URL"))
				if err != nil {
					return err
				}
				if err := m.Up(); err != nil && err != migrate.ErrNoChange {
					return err
				}
				fmt.Fprintf(app.Writer, "Migrations applied\n")
				return nil
			},
		},
		{
			Name:  "create-broker",
			Usage: "Create a broker configuration",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "Broker name (slug)", Destination: &brokerName},
				cli.StringFlag{Name: "type", Usage: "Broker type (local or remote)", Value: string(models.BrokerTypeLocal), Destination: &brokerType},
				cli.StringFlag{Name: "scheme", Usage: "Naming scheme", Value: string(models.SchemeSequential), Destination: &namingScheme},
				cli.StringFlag{Name: "prefix", Usage: "Patient ID surrogate prefix", Destination: &idPrefix},
				cli.BoolFlag{Name: "disabled", Usage: "Create the broker disabled", Destination: &disabled},
				cli.IntFlag{Name: "cache-ttl", Usage: "Cache TTL in seconds (0 disables the cache)", Destination: &cacheTTL},
				cli.IntFlag{Name: "cache-max", Usage: "Cache max entries", Value: 10000, Destination: &cacheMax},
				cli.StringFlag{Name: "api-url", Usage: "Remote lookup API URL", Destination: &apiURL},
				cli.StringFlag{Name: "sts-url", Usage: "Remote STS base URL", Destination: &stsURL},
				cli.StringFlag{Name: "client-id", Usage: "Remote STS client id", Destination: &clientID},
				cli.StringFlag{Name: "client-secret", Usage: "Remote STS client secret", Destination: &clientSecret},
				cli.StringFlag{Name: "username", Usage: "Remote STS username", Destination: &username},
				cli.StringFlag{Name: "password", Usage: "Remote STS password", Destination: &password},
				cli.StringFlag{Name: "auth-style", Usage: "STS credential encoding (json or form)", Value: string(models.AuthStyleJSON), Destination: &authStyle},
				cli.IntFlag{Name: "request-timeout", Usage: "Remote request timeout in seconds", Value: constants.DefaultRemoteTimeoutSeconds, Destination: &requestTimeout},
			},
			Action: func(c *cli.Context) error {
				if brokerName == "" {
					return errors.New("--name is required")
				}

				db := database.GetDbConnection()
				defer db.Close()
				repo := postgres.NewRepository(db)

				broker := models.Broker{
					Name:                  brokerName,
					Enabled:               !disabled,
					Type:                  models.BrokerType(brokerType),
					NamingScheme:          models.NamingScheme(namingScheme),
					PatientIDPrefix:       idPrefix,
					ReplacePatientID:      true,
					CacheEnabled:          cacheTTL > 0,
					CacheTTLSeconds:       cacheTTL,
					CacheMaxEntries:       cacheMax,
					APIURL:                apiURL,
					STSURL:                stsURL,
					ClientID:              clientID,
					ClientSecret:          clientSecret,
					Username:              username,
					Password:              password,
					AuthStyle:             models.AuthStyle(authStyle),
					RequestTimeoutSeconds: requestTimeout,
				}
				if err := repo.CreateBroker(context.Background(), broker); err != nil {
					return errors.Wrap(err, "could not create broker")
				}

				fmt.Fprintf(app.Writer, "Broker %s created\n", brokerName)
				return nil
			},
		},
		{
			Name:  "delete-broker",
			Usage: "Delete a broker AND all of its crosswalk entries (irreversible)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "Broker name", Destination: &brokerName},
				cli.BoolFlag{Name: "confirm", Usage: "Acknowledge that every mapping for this broker will be destroyed", Destination: &confirm},
			},
			Action: func(c *cli.Context) error {
				if brokerName == "" {
					return errors.New("--name is required")
				}
				if !confirm {
					return errors.New("refusing to delete: pass --confirm to destroy the broker and all of its mappings")
				}

				db := database.GetDbConnection()
				defer db.Close()
				repo := postgres.NewRepository(db)

				if err := repo.DeleteBroker(context.Background(), brokerName); err != nil {
					return errors.Wrap(err, "could not delete broker")
				}

				fmt.Fprintf(app.Writer, "Broker %s and its crosswalk entries deleted\n", brokerName)
				return nil
			},
		},
		{
			Name:  "list-brokers",
			Usage: "List configured brokers with mapping counts",
			Action: func(c *cli.Context) error {
				db := database.GetDbConnection()
				defer db.Close()
				repo := postgres.NewRepository(db)

				brokers, err := repo.ListBrokers(context.Background())
				if err != nil {
					return err
				}
				for _, b := range brokers {
					count, err := repo.CountCrosswalkEntries(context.Background(), b.Name)
					if err != nil {
						return err
					}
					fmt.Fprintf(app.Writer, "%s\ttype=%s\tscheme=%s\tenabled=%t\tmappings=%d\n",
						b.Name, b.Type, b.NamingScheme, b.Enabled, count)
				}
				return nil
			},
		},
		{
			Name:  "export-crosswalk",
			Usage: "Export a broker's crosswalk as CSV for audit handoff",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "Broker name", Destination: &brokerName},
				cli.StringFlag{Name: "out", Usage: "Output file (default stdout)", Destination: &outPath},
			},
			Action: func(c *cli.Context) error {
				if brokerName == "" {
					return errors.New("--name is required")
				}

				db := database.GetDbConnection()
				defer db.Close()
				repo := postgres.NewRepository(db)

				out := os.Stdout
				if outPath != "" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}

				cw := csv.NewWriter(out)
				defer cw.Flush()
				if err := cw.Write([]string{"idIn", "idOut", "idType", "createdAt"}); err != nil {
					return err
				}

				const pageSize = 500
				for offset := 0; ; offset += pageSize {
					entries, err := repo.ListCrosswalkEntries(context.Background(), brokerName, pageSize, offset)
					if err != nil {
						return err
					}
					if len(entries) == 0 {
						break
					}
					for _, e := range entries {
						if err := cw.Write([]string{e.IDIn, e.IDOut, string(e.IDType), e.CreatedAt.Format(time.RFC3339)}); err != nil {
							return err
						}
					}
					if len(entries) < pageSize {
						break
					}
				}
				return nil
			},
		},
		{
			Name:  "test-lookup",
			Usage: "Run a lookup through the production path",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "Broker name", Destination: &brokerName},
				cli.StringFlag{Name: "id-in", Usage: "Identifier to map", Destination: &idIn},
				cli.StringFlag{Name: "id-type", Usage: "Identifier type", Value: string(models.IDTypePatientID), Destination: &idType},
			},
			Action: func(c *cli.Context) error {
				if brokerName == "" || idIn == "" {
					return errors.New("--name and --id-in are required")
				}

				db := database.GetDbConnection()
				defer db.Close()
				repo := postgres.NewRepository(db)
				reg := registry.New(repo,
					conf.GetEnv("HBROKER_UID_HASH_KEY"),
					conf.GetEnv("HBROKER_UID_ROOT"))

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				idOut, err := reg.TestLookup(ctx, brokerName, idIn, models.IDType(idType))
				if err != nil {
					// The console contract: show the exact error, never echo
					// the original identifier as a surrogate.
					return err
				}

				fmt.Fprintf(app.Writer, "%s -> %s\n", idIn, idOut)
				return nil
			},
		},
	}

	app.CommandNotFound = func(c *cli.Context, command string) {
		log.Errorf("command %s not found", command)
	}

	return app
}
