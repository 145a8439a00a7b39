package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/telecorr/engine/internal/config"
	"github.com/telecorr/engine/internal/logger"
	"github.com/telecorr/engine/pkg/cdr"
	"github.com/telecorr/engine/pkg/correlate/diameter"
	"github.com/telecorr/engine/pkg/correlate/gtpv2"
	"github.com/telecorr/engine/pkg/correlate/sip"
	"github.com/telecorr/engine/pkg/export"
	"github.com/telecorr/engine/pkg/fields"
	"github.com/telecorr/engine/pkg/ingest"
	"github.com/telecorr/engine/pkg/nassec"
	"github.com/telecorr/engine/pkg/proto"
	decdiameter "github.com/telecorr/engine/pkg/proto/diameter"
	decgtpv2 "github.com/telecorr/engine/pkg/proto/gtpv2"
	decpfcp "github.com/telecorr/engine/pkg/proto/pfcp"
	decrtp "github.com/telecorr/engine/pkg/proto/rtp"
	decs1ap "github.com/telecorr/engine/pkg/proto/s1ap"
	decsip "github.com/telecorr/engine/pkg/proto/sip"
	"github.com/telecorr/engine/pkg/subscriber"
	"github.com/telecorr/engine/pkg/volte"
)

const (
	appName    = "correlator"
	appVersion = "1.0.0"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	pcapDir    = flag.String("pcap-dir", "", "Directory of raw IP-datagram files to replay at startup (stand-in for a capture-file reader)")
	version    = flag.Bool("version", false, "Print version and exit")
)

// Application wires every correlation-core package plus the ambient and
// domain expansions into one runnable process, in the teacher's
// Application-struct-plus-NewApplication idiom.
type Application struct {
	config *config.Config
	logger *logger.Logger

	decoders   *proto.Registry
	fieldRegs  *fields.Registry
	filter     *fields.Filter

	sipCorr      *sip.Correlator
	gtpv2Corr    *gtpv2.Correlator
	diameterCorr *diameter.Correlator
	subscribers  *subscriber.Store
	volteCorr    *volte.Correlator

	nasMu  sync.Mutex
	nasCtx map[string]*nassec.Context // by MME-UE-S1AP-Id

	pipeline *ingest.Pipeline
	cdrw     *cdr.Writer

	exportEngine *export.Engine
	auth         *export.AuthService
	server       *export.Server

	stopCleanup chan struct{}
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	printBanner()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start application: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s started, export API on %s\n", appName, cfg.Addr())

	app.WaitForShutdownOrReload(*configPath)

	if err := app.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printBanner() {
	fmt.Printf(`
------------------------------------------------
  %s v%s
  Telecom signalling correlation engine
------------------------------------------------

`, appName, appVersion)
}

// NewApplication builds every component and wires the fusion dispatch
// (Process) between them, mirroring the teacher's NewApplication.
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{
		config: cfg,
		nasCtx: make(map[string]*nassec.Context),
	}

	app.logger = logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	log := app.logger.WithComponent("main")
	log.Info().Msg("initializing")

	app.decoders = proto.NewRegistry()
	if cfg.Protocols.SIP {
		app.decoders.Register(decsip.New())
	}
	if cfg.Protocols.Diameter {
		app.decoders.Register(decdiameter.New())
	}
	if cfg.Protocols.GTPv2 {
		app.decoders.Register(decgtpv2.New())
	}
	if cfg.Protocols.PFCP {
		app.decoders.Register(decpfcp.New())
	}
	if cfg.Protocols.S1AP {
		app.decoders.Register(decs1ap.New())
	}
	if cfg.Protocols.RTP {
		app.decoders.Register(decrtp.New())
	}

	app.fieldRegs = fields.NewRegistry()
	if cfg.Filter.RulesPath != "" {
		text, err := os.ReadFile(cfg.Filter.RulesPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read filter rules, continuing unfiltered")
		} else {
			rules, err := fields.LoadRules(string(text))
			if err != nil {
				log.Warn().Err(err).Msg("failed to parse filter rules, continuing unfiltered")
			} else {
				app.filter = fields.NewFilter(app.fieldRegs, rules)
			}
		}
	}

	app.sipCorr = sip.New()
	app.gtpv2Corr = gtpv2.New()
	app.diameterCorr = diameter.New()
	app.subscribers = subscriber.New(cfg.Subscriber.MaxContexts)
	app.volteCorr = volte.New()

	if cfg.CDR.Enabled {
		w, err := cdr.Open(cfg.CDR.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("CDR writer disabled: failed to open database")
			app.cdrw = cdr.NewDisabled()
		} else {
			app.cdrw = w
			app.cdrw.OnFailure(func(callID string, err error) {
				log.Error().Err(err).Str("call_id", callID).Msg("CDR write failed")
			})
		}
	} else {
		app.cdrw = cdr.NewDisabled()
	}

	app.pipeline = ingest.New(ingest.Config{
		MaxStreams:         cfg.Transport.MaxStreams,
		MaxBufferPerStream: cfg.Transport.MaxBufferPerStream,
		IdleTimeout:        cfg.Transport.IdleTimeout,
	}, app.decoders, ingest.MessageSinkFunc(app.Process))

	app.exportEngine = &export.Engine{
		SIP:        app.sipCorr,
		GTPv2:      app.gtpv2Corr,
		Diameter:   app.diameterCorr,
		Subscriber: app.subscribers,
		Volte:      app.volteCorr,
	}
	app.auth = export.NewAuthService(cfg.Server.JWTSecret, cfg.Server.TokenExpiry)
	if err := app.auth.RegisterOperator("admin", "changeme"); err != nil {
		return nil, fmt.Errorf("register default operator: %w", err)
	}
	app.server = export.NewServer(cfg.Addr(), app.exportEngine, app.auth, app.logger.WithComponent("export"))

	log.Info().Msg("application initialized")
	return app, nil
}

// Process is the fusion dispatcher: one decoded message in, per-protocol
// correlation plus VoLTE leg fusion and subscriber indexing out. It never
// returns an error to the ingest pipeline and logs nothing; messages the
// filter matches are dropped here (§7 policy).
func (a *Application) Process(msg *proto.Message) {
	if a.filter != nil && a.filter.Evaluate(msg) {
		return
	}

	switch msg.Protocol {
	case proto.ProtocolSIP:
		a.processSIP(msg)
	case proto.ProtocolDiameter:
		a.processDiameter(msg)
	case proto.ProtocolGTPv2C:
		a.processGTPv2(msg)
	case proto.ProtocolS1AP:
		a.processS1AP(msg)
	}
}

func (a *Application) processSIP(msg *proto.Message) {
	a.sipCorr.Process(msg)

	method := msg.MessageType
	statusCode := 0
	if msg.Direction == proto.DirectionResponse {
		statusCode = msg.CauseCode
		method, _ = msg.Details["cseq_method"].(string)
	}

	var codec, localRTP, remoteRTP string
	if sdp, ok := msg.Details["sdp"].(*decsip.SDP); ok {
		for _, m := range sdp.Media {
			if m.Type != "audio" {
				continue
			}
			if len(m.Codecs) > 0 {
				codec = m.Codecs[0].Name
			}
			addr := sdp.SessionConnectionIP
			if m.ConnectionIP != "" {
				addr = m.ConnectionIP
			}
			localRTP = fmt.Sprintf("%s:%d", addr, m.Port)
			break
		}
	}
	if msg.Source.IP != "" {
		remoteRTP = msg.Source.IP
	}

	call := a.volteCorr.UpdateSIP(msg.CallID, msg.ICID, "", method, statusCode, msg.Timestamp, codec, localRTP, remoteRTP)
	if call != nil && call.State == volte.StateCompleted {
		a.cdrw.WriteCompleted(call)
		a.server.Broadcast("call_completed", call)
	}
}

func (a *Application) processDiameter(msg *proto.Message) {
	session := a.diameterCorr.Process(msg)
	if session == nil {
		return
	}
	if session.IMSI != "" {
		ctx := a.subscribers.GetOrCreate(session.IMSI, "")
		if session.MSISDN != "" {
			a.subscribers.UpdateIdentifier(ctx.ID, subscriber.IdentifierMSISDN, session.MSISDN)
		}
	}
	if session.ICID == "" {
		return
	}
	call, ok := a.volteCorr.GetByICID(session.ICID)
	if !ok {
		return
	}
	callID := call.CallID

	switch session.Interface {
	case diameter.InterfaceRx:
		var media []string
		if mt, ok := msg.Details["media_type"].(uint32); ok {
			media = []string{fmt.Sprintf("%d", mt)}
		}
		a.volteCorr.UpdateRx(callID, session.SessionID, msg.Direction == proto.DirectionRequest, msg.Timestamp, msg.CauseCode, media)
	case diameter.InterfaceGx:
		a.volteCorr.UpdateGx(callID, msg.Direction == proto.DirectionRequest, msg.Timestamp, session.ChargingRules)
	}
}

func (a *Application) processGTPv2(msg *proto.Message) {
	session := a.gtpv2Corr.Process(msg)
	if session == nil {
		return
	}
	if session.IMSI == "" {
		return
	}

	ctx := a.subscribers.GetOrCreate(session.IMSI, "")
	for key, bearer := range session.Bearers {
		bearerKey := fmt.Sprintf("ebi-%d", key)
		for _, f := range bearer.FTEIDs {
			a.subscribers.AddBearer(ctx.ID, bearerKey, f.TEID)
		}
	}

	for _, bearer := range session.Bearers {
		if bearer.QCI != 1 {
			continue
		}
		var ul, dl uint32
		for _, f := range bearer.FTEIDs {
			if f.InterfaceType%2 == 0 {
				ul = f.TEID
			} else {
				dl = f.TEID
			}
		}
		a.volteCorr.UpdateBearer(session.IMSI, bearer.QCI, bearer.EBI, ul, dl, bearer.GBRUplink, bearer.GBRDownlink, msg.Direction == proto.DirectionRequest, msg.Timestamp)
	}
}

// processS1AP looks up (creating if absent) the nassec.Context keyed by the
// message's MME-UE-S1AP-Id IE, whether or not a NAS-PDU IE is present. It
// does not update the subscriber store and does not read the eNB-UE-S1AP-Id
// or the NAS-PDU. Full NAS message parsing (security header, sequence
// number, algorithm negotiation) is out of scope: this wiring only proves
// the per-UE context lifecycle the component exists for.
func (a *Application) processS1AP(msg *proto.Message) {
	ies, _ := msg.Details["ies"].([]decs1ap.IE)
	var mmeID string
	for _, ie := range ies {
		if ie.ID == decs1ap.IEMMEUES1APID {
			mmeID = fmt.Sprintf("%x", ie.Value)
		}
	}
	if mmeID == "" {
		return
	}

	a.nasMu.Lock()
	if _, ok := a.nasCtx[mmeID]; !ok {
		a.nasCtx[mmeID] = nassec.New()
	}
	a.nasMu.Unlock()
}

// Start launches the export HTTP/websocket server, replays any configured
// pcap-lite directory, and begins the periodic cleanup loop.
func (a *Application) Start() error {
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start export server: %w", err)
	}

	if *pcapDir != "" {
		if err := a.replayDirectory(*pcapDir); err != nil {
			a.logger.WithComponent("ingest").Warn().Err(err).Msg("pcap-dir replay failed")
		}
	}

	a.stopCleanup = make(chan struct{})
	go a.cleanupLoop()

	return nil
}

// replayDirectory feeds every file in dir to the pipeline as one raw IP
// datagram each, the minimal file-based frame source SPEC_FULL.md calls for
// in place of a real capture-file reader.
func (a *Application) replayDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var frameNumber uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		frameNumber++
		if err := a.pipeline.OnIPDatagram(time.Now(), frameNumber, data); err != nil {
			a.logger.WithComponent("ingest").Warn().Err(err).Str("file", entry.Name()).Msg("replay frame rejected")
		}
	}
	return nil
}

func (a *Application) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			a.sipCorr.CleanupStale(now.Add(-2 * time.Minute))
			a.gtpv2Corr.CleanupStale(now.Add(-2 * time.Minute))
			a.diameterCorr.CleanupStale(now.Add(-2 * time.Minute))
			a.subscribers.CleanupStale(now.Add(-time.Hour))
			a.volteCorr.CleanupCompleted(a.config.Volte.CallRetention)
			a.pipeline.CleanupStale(now, a.config.Transport.IdleTimeout)
		}
	}
}

// Stop gracefully shuts down the export server and closes the CDR writer.
func (a *Application) Stop() error {
	log := a.logger.WithComponent("main")
	log.Info().Msg("stopping")

	if a.stopCleanup != nil {
		close(a.stopCleanup)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("export server shutdown error")
	}

	if a.cdrw != nil {
		if err := a.cdrw.Close(); err != nil {
			log.Error().Err(err).Msg("CDR writer close error")
		}
	}

	log.Info().Msg("stopped")
	return nil
}

// WaitForShutdownOrReload blocks until SIGINT/SIGTERM (returns) or SIGHUP
// (reloads configuration in place and keeps running).
func (a *Application) WaitForShutdownOrReload(configPath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			cfg, err := loadConfig(configPath)
			if err != nil {
				a.logger.WithComponent("main").Error().Err(err).Msg("config reload failed")
				continue
			}
			a.config = cfg
			a.logger.WithComponent("main").Info().Msg("configuration reloaded")
			continue
		}
		return
	}
}
