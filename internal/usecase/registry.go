package usecase

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/adapter"
	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// Deps carries everything a service builder needs to assemble its use case.
// Bridge is non-nil only when running in-context; builders pass the matching
// delegate into every adapter they construct so the adapters come out in
// delegated form.
type Deps struct {
	Env    *config.Environment
	App    config.App
	Bridge *bridge.Bridge
	Log    logrus.FieldLogger
}

// Builder assembles the use case for one service.
type Builder func(deps Deps) (*UseCase, error)

// Definition is one registered service. Protocols is the static set of
// protocols the service's destination matrix touches; the driver uses it for
// protocol-scoped selection without building the use case first.
type Definition struct {
	Name      string
	Domain    string
	Protocols []result.Protocol
	Build     Builder
}

// UsesProtocol reports whether the service's destination matrix touches the
// given protocol. HTTP matches both the plain and the TLS variant.
func (d Definition) UsesProtocol(p result.Protocol) bool {
	if p == result.ProtocolHTTPS {
		p = result.ProtocolHTTP
	}
	for _, candidate := range d.Protocols {
		if candidate == p {
			return true
		}
	}
	return false
}

// The registration table is built once at init and never mutated afterwards.
var catalog = []Definition{
	{Name: "core-api", Domain: "core", Build: buildCoreAPI,
		Protocols: []result.Protocol{result.ProtocolHTTP, result.ProtocolPostgres}},
	{Name: "queue-worker", Domain: "core", Build: buildQueueWorker,
		Protocols: []result.Protocol{result.ProtocolRabbitMQ, result.ProtocolPostgres}},
	{Name: "scheduler", Domain: "core", Build: buildScheduler,
		Protocols: []result.Protocol{result.ProtocolHTTP, result.ProtocolPostgres}},
	{Name: "rabbit-consumer", Domain: "core", Build: buildRabbitConsumer,
		Protocols: []result.Protocol{result.ProtocolRabbitMQ}},
	{Name: "auth-api", Domain: "core", Build: buildAuthAPI,
		Protocols: []result.Protocol{result.ProtocolHTTP, result.ProtocolPostgres}},
	{Name: "backoffice", Domain: "core", Build: buildBackoffice,
		Protocols: []result.Protocol{result.ProtocolHTTP, result.ProtocolPostgres}},
	{Name: "pso-in-service", Domain: "cfk", Build: buildPsoInService,
		Protocols: []result.Protocol{result.ProtocolSFTP, result.ProtocolKafka}},
	{Name: "pso-out-mapping", Domain: "cfk", Build: buildPsoOutMapping,
		Protocols: []result.Protocol{result.ProtocolKafka, result.ProtocolPostgres, result.ProtocolHTTP}},
	{Name: "pso-out-file-delivery", Domain: "cfk", Build: buildPsoOutFileDelivery,
		Protocols: []result.Protocol{result.ProtocolSFTP, result.ProtocolKafka}},
	{Name: "archive-service", Domain: "cfk", Build: buildArchiveService,
		Protocols: []result.Protocol{result.ProtocolPostgres, result.ProtocolSFTP}},
	{Name: "observability-api", Domain: "cfk", Build: buildObservabilityAPI,
		Protocols: []result.Protocol{result.ProtocolClickHouse, result.ProtocolHTTP}},
}

// Catalog returns the full registration table in registration order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, bool) {
	for _, def := range catalog {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// ByDomain returns the definitions registered under domain, in registration
// order.
func ByDomain(domain string) []Definition {
	var out []Definition
	for _, def := range catalog {
		if def.Domain == domain {
			out = append(out, def)
		}
	}
	return out
}

// Domains returns the distinct domain names, sorted.
func Domains() []string {
	seen := map[string]bool{}
	var out []string
	for _, def := range catalog {
		if !seen[def.Domain] {
			seen[def.Domain] = true
			out = append(out, def.Domain)
		}
	}
	sort.Strings(out)
	return out
}

// delegate resolves the bridge delegate for a service, or nil when running
// in direct mode. In-context mode requires a service reference so the bridge
// knows which workload to exec into.
func (d Deps) delegate(service string) (*bridge.Delegate, error) {
	if d.Bridge == nil {
		return nil, nil
	}

	ref, ok := d.Env.Services[service]
	if !ok {
		return nil, fmt.Errorf("environment %s declares no service reference for %s, cannot run in-context", d.Env.Name, service)
	}

	return &bridge.Delegate{
		Bridge:    d.Bridge,
		Namespace: ref.Namespace,
		Selector:  ref.Selector,
	}, nil
}

// namespace returns the namespace the service runs in, if declared.
func (d Deps) namespace(service string) string {
	return d.Env.Services[service].Namespace
}

func (d Deps) endpoint(name string) (config.EndpointConfig, error) {
	ep, ok := d.Env.Endpoints[name]
	if !ok {
		return config.EndpointConfig{}, fmt.Errorf("environment %s declares no endpoint %q", d.Env.Name, name)
	}
	return ep, nil
}

func (d Deps) database(name string) (config.DBConfig, error) {
	db, ok := d.Env.Postgres[name]
	if !ok {
		return config.DBConfig{}, fmt.Errorf("environment %s declares no postgres database %q", d.Env.Name, name)
	}
	return db, nil
}

func (d Deps) kafka(delegate *bridge.Delegate) adapter.MessageBus {
	return adapter.NewKafka(adapter.KafkaParams{
		KafkaConfig: d.Env.Kafka,
		Timeout:     d.App.ProbeTimeout,
		Delegate:    delegate,
	}, d.Log)
}

func (d Deps) rabbitmq(delegate *bridge.Delegate) adapter.MessageBus {
	return adapter.NewRabbitMQ(adapter.RabbitMQParams{
		RabbitMQConfig: d.Env.RabbitMQ,
		Timeout:        d.App.ProbeTimeout,
		Delegate:       delegate,
	}, d.Log)
}

func (d Deps) postgres(db config.DBConfig, delegate *bridge.Delegate) adapter.Database {
	return adapter.NewPostgres(adapter.PostgresParams{
		DBConfig: db,
		Timeout:  d.App.ProbeTimeout,
		Delegate: delegate,
	}, d.Log)
}

func (d Deps) clickhouse(delegate *bridge.Delegate) adapter.Database {
	return adapter.NewClickHouse(adapter.ClickHouseParams{
		ClickHouseConfig: d.Env.ClickHouse,
		Timeout:          d.App.ProbeTimeout,
		Delegate:         delegate,
	}, d.Log)
}

func (d Deps) sftp(delegate *bridge.Delegate) adapter.FileTransfer {
	return adapter.NewSFTP(adapter.SFTPParams{
		SFTPConfig: d.Env.SFTP,
		Timeout:    d.App.ProbeTimeout,
		Delegate:   delegate,
	}, d.Log)
}

func (d Deps) http(ep config.EndpointConfig, delegate *bridge.Delegate) adapter.HTTPService {
	return adapter.NewHTTP(adapter.HTTPParams{
		BaseURL:     ep.URL,
		AuthPath:    ep.HealthPath,
		BearerToken: ep.BearerToken,
		Timeout:     d.App.ProbeTimeout,
		Delegate:    delegate,
	}, d.Log)
}

func (d Deps) newUseCase(service string, destinations []*Destination) *UseCase {
	return New(service, d.namespace(service), destinations, d.App.SuiteTimeout, d.Log)
}

func httpDestination(name string, api adapter.HTTPService, ep config.EndpointConfig, extra ...Probe) *Destination {
	health := ep.HealthPath
	if health == "" {
		health = "/health"
	}

	probes := append([]Probe{{
		Name: "health",
		Run:  func(ctx context.Context) adapter.Outcome { return api.TestHealth(ctx, health) },
	}}, extra...)

	return &Destination{
		Name:         name,
		Adapter:      api,
		Credentialed: ep.BearerToken != "",
		Probes:       probes,
	}
}

func tableProbes(db adapter.Database, table, query string) []Probe {
	probes := []Probe{{
		Name: "table_access",
		Run:  func(ctx context.Context) adapter.Outcome { return db.TestTableAccess(ctx, table) },
	}}

	if query != "" {
		probes = append(probes, Probe{
			Name: "query",
			Run:  func(ctx context.Context) adapter.Outcome { return db.TestQuery(ctx, query) },
		})
	}

	return probes
}

func buildCoreAPI(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("core-api")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("core-api")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("core")
	if err != nil {
		return nil, err
	}

	api := deps.http(ep, delegate)
	db := deps.postgres(dbCfg, delegate)

	return deps.newUseCase("core-api", []*Destination{
		httpDestination("core-api", api, ep, Probe{
			Name: "status_endpoint",
			Run: func(ctx context.Context) adapter.Outcome {
				return api.TestEndpoint(ctx, http.MethodGet, "/api/v1/status", http.StatusOK)
			},
		}),
		{
			Name:         "core-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "accounts", "SELECT count(*) FROM accounts"),
		},
	}), nil
}

func buildQueueWorker(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("queue-worker")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("core")
	if err != nil {
		return nil, err
	}

	bus := deps.rabbitmq(delegate)
	db := deps.postgres(dbCfg, delegate)

	return deps.newUseCase("queue-worker", []*Destination{
		{
			Name:         "rabbitmq",
			Adapter:      bus,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "queue_access",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "work.tasks", adapter.TopicRead)
					},
				},
				{
					Name: "round_trip",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestRoundTrip(ctx, "work.tasks")
					},
				},
			},
		},
		{
			Name:         "core-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "jobs", "SELECT count(*) FROM jobs WHERE finished_at IS NULL"),
		},
	}), nil
}

func buildScheduler(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("scheduler")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("scheduler")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("core")
	if err != nil {
		return nil, err
	}

	api := deps.http(ep, delegate)
	db := deps.postgres(dbCfg, delegate)

	return deps.newUseCase("scheduler", []*Destination{
		httpDestination("scheduler", api, ep),
		{
			Name:         "core-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "schedules", "SELECT count(*) FROM schedules WHERE enabled"),
		},
	}), nil
}

func buildRabbitConsumer(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("rabbit-consumer")
	if err != nil {
		return nil, err
	}

	bus := deps.rabbitmq(delegate)

	return deps.newUseCase("rabbit-consumer", []*Destination{
		{
			Name:         "rabbitmq",
			Adapter:      bus,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "queue_access",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "events.inbound", adapter.TopicRead)
					},
				},
				{
					Name: "round_trip",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestRoundTrip(ctx, "events.inbound")
					},
				},
			},
		},
	}), nil
}

func buildAuthAPI(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("auth-api")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("auth-api")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("auth")
	if err != nil {
		return nil, err
	}

	api := deps.http(ep, delegate)
	db := deps.postgres(dbCfg, delegate)

	return deps.newUseCase("auth-api", []*Destination{
		httpDestination("auth-api", api, ep, Probe{
			Name: "token_validation",
			Run: func(ctx context.Context) adapter.Outcome {
				return api.TestEndpoint(ctx, http.MethodGet, "/api/v1/token/validate", http.StatusOK)
			},
		}),
		{
			Name:         "auth-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "users", ""),
		},
	}), nil
}

func buildBackoffice(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("backoffice")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("backoffice")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("core")
	if err != nil {
		return nil, err
	}

	api := deps.http(ep, delegate)
	db := deps.postgres(dbCfg, delegate)

	return deps.newUseCase("backoffice", []*Destination{
		httpDestination("backoffice", api, ep),
		{
			Name:         "core-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "audit_log", "SELECT count(*) FROM audit_log"),
		},
	}), nil
}

func buildPsoInService(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("pso-in-service")
	if err != nil {
		return nil, err
	}

	files := deps.sftp(delegate)
	bus := deps.kafka(delegate)

	inbound := deps.Env.SFTP.BaseDir + "/inbound"

	return deps.newUseCase("pso-in-service", []*Destination{
		{
			Name:         "sftp",
			Adapter:      files,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "directory_access",
					Run: func(ctx context.Context) adapter.Outcome {
						return files.TestDirectoryAccess(ctx, inbound)
					},
				},
				{
					Name: "round_trip",
					Run: func(ctx context.Context) adapter.Outcome {
						return files.TestRoundTrip(ctx, inbound)
					},
				},
			},
		},
		{
			Name:         "kafka",
			Adapter:      bus,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "produce_documents",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "pso.in.documents", adapter.TopicWrite)
					},
				},
			},
		},
	}), nil
}

func buildPsoOutMapping(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("pso-out-mapping")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("pso-out-mapping")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("mapping")
	if err != nil {
		return nil, err
	}

	bus := deps.kafka(delegate)
	db := deps.postgres(dbCfg, delegate)
	api := deps.http(ep, delegate)

	return deps.newUseCase("pso-out-mapping", []*Destination{
		{
			Name:         "kafka",
			Adapter:      bus,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "consume_orders",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "orders.created", adapter.TopicRead)
					},
				},
				{
					Name: "produce_mapping",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "pso.out.mapping", adapter.TopicWrite)
					},
				},
				{
					Name: "round_trip",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestRoundTrip(ctx, "pso.out.mapping")
					},
				},
			},
		},
		{
			Name:         "mapping-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "mapping_rules", "SELECT count(*) FROM mapping_rules WHERE active"),
		},
		httpDestination("pso-out-mapping", api, ep),
	}), nil
}

func buildPsoOutFileDelivery(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("pso-out-file-delivery")
	if err != nil {
		return nil, err
	}

	files := deps.sftp(delegate)
	bus := deps.kafka(delegate)

	outbound := deps.Env.SFTP.BaseDir + "/outbound"

	return deps.newUseCase("pso-out-file-delivery", []*Destination{
		{
			Name:         "sftp",
			Adapter:      files,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "directory_access",
					Run: func(ctx context.Context) adapter.Outcome {
						return files.TestDirectoryAccess(ctx, outbound)
					},
				},
				{
					Name: "round_trip",
					Run: func(ctx context.Context) adapter.Outcome {
						return files.TestRoundTrip(ctx, outbound)
					},
				},
			},
		},
		{
			Name:         "kafka",
			Adapter:      bus,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "consume_delivery_orders",
					Run: func(ctx context.Context) adapter.Outcome {
						return bus.TestChannelAccess(ctx, "pso.out.file-delivery", adapter.TopicRead)
					},
				},
			},
		},
	}), nil
}

func buildArchiveService(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("archive-service")
	if err != nil {
		return nil, err
	}

	dbCfg, err := deps.database("archive")
	if err != nil {
		return nil, err
	}

	db := deps.postgres(dbCfg, delegate)
	files := deps.sftp(delegate)

	archiveDir := deps.Env.SFTP.BaseDir + "/archive"

	return deps.newUseCase("archive-service", []*Destination{
		{
			Name:         "archive-db",
			Adapter:      db,
			Credentialed: true,
			Probes:       tableProbes(db, "archived_documents", "SELECT count(*) FROM archived_documents"),
		},
		{
			Name:         "sftp",
			Adapter:      files,
			Credentialed: true,
			Probes: []Probe{
				{
					Name: "directory_access",
					Run: func(ctx context.Context) adapter.Outcome {
						return files.TestDirectoryAccess(ctx, archiveDir)
					},
				},
			},
		},
	}), nil
}

func buildObservabilityAPI(deps Deps) (*UseCase, error) {
	delegate, err := deps.delegate("observability-api")
	if err != nil {
		return nil, err
	}

	ep, err := deps.endpoint("observability-api")
	if err != nil {
		return nil, err
	}

	store := deps.clickhouse(delegate)
	api := deps.http(ep, delegate)

	return deps.newUseCase("observability-api", []*Destination{
		{
			Name:         "clickhouse",
			Adapter:      store,
			Credentialed: true,
			Probes:       tableProbes(store, "events", "SELECT count() FROM events"),
		},
		httpDestination("observability-api", api, ep),
	}), nil
}
