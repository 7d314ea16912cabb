package application

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"

	"github.com/payjoinlabs/payjoind/internal/core/domain"
	"github.com/payjoinlabs/payjoind/internal/core/ports"
	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/receive"
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Config struct {
	Network    *chaincfg.Params
	Directory  *url.URL
	OhttpRelay *url.URL
	OhttpKeys  ohttp.Keys
	// SessionExpiry bounds every receiver session. At expiry the
	// original transaction, if one arrived, is broadcast as-is.
	SessionExpiry time.Duration
	// MinFeeRate is the floor an original transaction must pay to be
	// worth engaging with.
	MinFeeRate chainfee.SatPerVByte
	// MaxFeeRate bounds the fee of any payjoin the receiver signs.
	MaxFeeRate chainfee.SatPerVByte
}

func (c Config) validate() error {
	if c.Network == nil {
		return fmt.Errorf("missing network")
	}
	if c.Directory == nil {
		return fmt.Errorf("missing payjoin directory url")
	}
	if c.OhttpRelay == nil {
		return fmt.Errorf("missing ohttp relay url")
	}
	if c.OhttpKeys.PublicKey == nil {
		return fmt.Errorf("missing ohttp keys")
	}
	if c.SessionExpiry <= 0 {
		return fmt.Errorf("session expiry must be positive")
	}
	if c.MaxFeeRate <= 0 {
		return fmt.Errorf("max fee rate must be positive")
	}
	return nil
}

type Service struct {
	BuildInfo BuildInfo

	cfg          Config
	repoManager  ports.RepoManager
	walletSvc    ports.WalletService
	schedulerSvc ports.SchedulerService
	directorySvc ports.DirectoryClient
	sealer       ohttp.Sealer
}

func NewService(
	buildInfo BuildInfo,
	cfg Config,
	repoManager ports.RepoManager,
	walletSvc ports.WalletService,
	schedulerSvc ports.SchedulerService,
	directorySvc ports.DirectoryClient,
	sealer ohttp.Sealer,
) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		BuildInfo:    buildInfo,
		cfg:          cfg,
		repoManager:  repoManager,
		walletSvc:    walletSvc,
		schedulerSvc: schedulerSvc,
		directorySvc: directorySvc,
		sealer:       sealer,
	}

	// Re-arm the expiry of sessions that survived a restart.
	ctx := context.Background()
	sessions, err := repoManager.Sessions().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, session := range sessions {
		if session.Status != domain.SessionPending {
			continue
		}
		expiresAt := time.Unix(session.ExpiresAt, 0)
		if !expiresAt.After(time.Now()) {
			svc.expireSession(session.Id)
			continue
		}
		sessionId := session.Id
		if err := schedulerSvc.ScheduleSessionExpiry(
			sessionId, expiresAt, func() { svc.expireSession(sessionId) },
		); err != nil {
			return nil, fmt.Errorf("failed to schedule session expiry: %w", err)
		}
	}

	return svc, nil
}

func (s *Service) Stop() {
	s.schedulerSvc.Stop()
	s.walletSvc.Close()
	s.repoManager.Close()
	log.Info("service stopped")
}

// OpenSession derives a fresh address and session key, persists the
// session and returns it with the BIP 21 URI to hand to the sender.
func (s *Service) OpenSession(
	ctx context.Context, amount uint64,
) (*domain.Session, string, error) {
	address, err := s.walletSvc.NewAddress(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive address: %w", err)
	}

	receiver, err := receive.NewReceiver(receive.ReceiverOpts{
		Address:     address,
		Network:     s.cfg.Network,
		Directory:   s.cfg.Directory,
		OhttpKeys:   s.cfg.OhttpKeys,
		OhttpRelay:  s.cfg.OhttpRelay,
		ExpireAfter: s.cfg.SessionExpiry,
	})
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	session := domain.Session{
		Id:         receiver.ID(),
		Address:    address,
		Network:    s.cfg.Network.Name,
		Amount:     amount,
		Directory:  s.cfg.Directory.String(),
		OhttpRelay: s.cfg.OhttpRelay.String(),
		OhttpKeys:  s.cfg.OhttpKeys.Encode(),
		SessionKey: receiver.SessionKey(),
		CreatedAt:  now.Unix(),
		ExpiresAt:  receiver.ExpiresAt().Unix(),
		Status:     domain.SessionPending,
	}
	if err := s.repoManager.Sessions().Add(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to store session: %w", err)
	}

	sessionId := session.Id
	if err := s.schedulerSvc.ScheduleSessionExpiry(
		sessionId, receiver.ExpiresAt(), func() { s.expireSession(sessionId) },
	); err != nil {
		return nil, "", fmt.Errorf("failed to schedule session expiry: %w", err)
	}

	builder := receiver.PjUriBuilder()
	if amount > 0 {
		builder = builder.Amount(btcutil.Amount(amount))
	}
	pjUri := builder.Build().String()

	log.WithFields(log.Fields{
		"session": sessionId,
		"address": address,
	}).Info("opened payjoin session")

	return &session, pjUri, nil
}

func (s *Service) GetSession(ctx context.Context, sessionId string) (*domain.Session, error) {
	return s.repoManager.Sessions().Get(ctx, sessionId)
}

func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.repoManager.Sessions().GetAll(ctx)
}

// SessionUri rebuilds the BIP 21 URI advertising a stored session.
func (s *Service) SessionUri(ctx context.Context, sessionId string) (string, error) {
	session, err := s.repoManager.Sessions().Get(ctx, sessionId)
	if err != nil {
		return "", err
	}
	receiver, err := s.receiverFromSession(session)
	if err != nil {
		return "", err
	}
	builder := receiver.PjUriBuilder()
	if session.Amount > 0 {
		builder = builder.Amount(btcutil.Amount(session.Amount))
	}
	return builder.Build().String(), nil
}

// PollSession asks the directory for a pending original proposal and,
// when one arrived, drives the full verification and negotiation
// pipeline through to posting the payjoin proposal back. It returns
// the updated session; a still-pending session means the subdirectory
// was empty.
func (s *Service) PollSession(ctx context.Context, sessionId string) (*domain.Session, error) {
	session, err := s.repoManager.Sessions().Get(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionPending {
		return session, nil
	}

	receiver, err := s.receiverFromSession(session)
	if err != nil {
		return nil, err
	}

	req, ohttpCtx, err := receiver.ExtractReq(s.sealer)
	if err != nil {
		return nil, err
	}
	body, err := s.directorySvc.Post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll directory: %w", err)
	}
	unchecked, err := receiver.ProcessRes(body, ohttpCtx)
	if err != nil {
		return nil, err
	}
	if unchecked == nil {
		return session, nil
	}

	// Hold on to the fallback before any further processing: if the
	// negotiation fails past this point the sender's payment must still
	// be able to confirm at expiry.
	session.OriginalTx = unchecked.ExtractTxToScheduleBroadcast()
	if err := s.repoManager.Sessions().Update(ctx, *session); err != nil {
		return nil, fmt.Errorf("failed to store fallback tx: %w", err)
	}

	proposal, seenInputs, err := s.processProposal(ctx, session, unchecked)
	if err != nil {
		log.WithError(err).WithField("session", session.Id).
			Warn("payjoin negotiation failed, fallback stays scheduled")
		return nil, err
	}

	req, ohttpCtx, err = proposal.ExtractV2Req(s.sealer)
	if err != nil {
		return nil, err
	}
	body, err = s.directorySvc.Post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to post proposal: %w", err)
	}
	if err := proposal.ProcessRes(body, ohttpCtx); err != nil {
		return nil, err
	}

	if err := s.walletSvc.LockOutpoints(ctx, proposal.UtxosToBeLocked()); err != nil {
		return nil, fmt.Errorf("failed to lock contributed utxos: %w", err)
	}
	if err := s.repoManager.SeenInputs().Add(ctx, seenInputs); err != nil {
		return nil, fmt.Errorf("failed to record seen inputs: %w", err)
	}

	payjoinPsbt, err := payjoin.ParsePsbt(proposal.Psbt())
	if err != nil {
		return nil, err
	}
	session.PayjoinTxid = payjoinPsbt.UnsignedTx.TxHash().String()
	session.Status = domain.SessionCompleted
	if err := s.repoManager.Sessions().Update(ctx, *session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	s.schedulerSvc.CancelSessionExpiry(session.Id)

	log.WithFields(log.Fields{
		"session": session.Id,
		"txid":    session.PayjoinTxid,
	}).Info("payjoin proposal delivered")

	return session, nil
}

// HandleV1Request serves the interactive BIP 78 endpoint: the sender's
// original PSBT arrives in the request body and the payjoin proposal
// is returned synchronously.
func (s *Service) HandleV1Request(
	ctx context.Context, body []byte, query url.Values,
) (string, error) {
	unchecked, err := receive.NewUncheckedProposal(body, query)
	if err != nil {
		return "", err
	}
	proposal, outpoints, err := s.runPipeline(ctx, unchecked)
	if err != nil {
		return "", err
	}
	if err := s.walletSvc.LockOutpoints(ctx, proposal.UtxosToBeLocked()); err != nil {
		return "", fmt.Errorf("failed to lock contributed utxos: %w", err)
	}

	now := time.Now().Unix()
	seenInputs := make([]domain.SeenInput, 0, len(outpoints))
	for _, outpoint := range outpoints {
		seenInputs = append(seenInputs, domain.SeenInput{
			Outpoint: outpoint.String(),
			SeenAt:   now,
		})
	}
	if err := s.repoManager.SeenInputs().Add(ctx, seenInputs); err != nil {
		return "", fmt.Errorf("failed to record seen inputs: %w", err)
	}

	return proposal.ExtractV1Req(), nil
}

func (s *Service) processProposal(
	ctx context.Context, session *domain.Session, unchecked *receive.UncheckedProposal,
) (*receive.PayjoinProposal, []domain.SeenInput, error) {
	proposal, outpoints, err := s.runPipeline(ctx, unchecked)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().Unix()
	seenInputs := make([]domain.SeenInput, 0, len(outpoints))
	for _, outpoint := range outpoints {
		seenInputs = append(seenInputs, domain.SeenInput{
			Outpoint:  outpoint.String(),
			SessionId: session.Id,
			SeenAt:    now,
		})
	}
	return proposal, seenInputs, nil
}

// runPipeline applies every receiver check in order, contributes a
// privacy-preserving input, substitutes the receiver output when
// allowed and finalizes through the wallet signer. It returns the
// finalized proposal and the original outpoints to record as seen.
func (s *Service) runPipeline(
	ctx context.Context, unchecked *receive.UncheckedProposal,
) (*receive.PayjoinProposal, []wire.OutPoint, error) {
	originalOutpoints := make([]wire.OutPoint, 0)

	maybeOwned, err := unchecked.CheckBroadcastSuitability(
		payjoin.SatPerVByteToKWeight(s.cfg.MinFeeRate),
		func(tx []byte) (bool, error) {
			return s.walletSvc.CanBroadcast(ctx, tx)
		},
	)
	if err != nil {
		return nil, nil, err
	}

	maybeMixed, err := maybeOwned.CheckInputsNotOwned(func(script []byte) (bool, error) {
		return s.walletSvc.IsOwned(ctx, script)
	})
	if err != nil {
		return nil, nil, err
	}

	maybeSeen, err := maybeMixed.CheckNoMixedInputScripts()
	if err != nil {
		return nil, nil, err
	}

	outputsUnknown, err := maybeSeen.CheckNoInputsSeenBefore(
		func(outpoint wire.OutPoint) (bool, error) {
			originalOutpoints = append(originalOutpoints, outpoint)
			return s.repoManager.SeenInputs().Exists(ctx, outpoint.String())
		},
	)
	if err != nil {
		return nil, nil, err
	}

	wantsOutputs, err := outputsUnknown.IdentifyReceiverOutputs(
		func(script []byte) (bool, error) {
			return s.walletSvc.IsOwned(ctx, script)
		},
	)
	if err != nil {
		return nil, nil, err
	}

	wantsInputs, err := wantsOutputs.CommitOutputs()
	if err != nil {
		return nil, nil, err
	}

	utxos, err := s.walletSvc.ListUnspent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list unspent outputs: %w", err)
	}
	candidates := make(map[btcutil.Amount]wire.OutPoint, len(utxos))
	byOutpoint := make(map[wire.OutPoint]*wire.TxOut, len(utxos))
	for _, utxo := range utxos {
		candidates[btcutil.Amount(utxo.TxOut.Value)] = utxo.Outpoint
		byOutpoint[utxo.Outpoint] = utxo.TxOut
	}

	selected, err := wantsInputs.TryPreservingPrivacy(candidates)
	if err != nil {
		return nil, nil, err
	}
	wantsInputs, err = wantsInputs.ContributeWitnessInputs([]receive.InputPair{
		{OutPoint: selected, TxOut: byOutpoint[selected]},
	})
	if err != nil {
		return nil, nil, err
	}

	provisional, err := wantsInputs.CommitInputs()
	if err != nil {
		return nil, nil, err
	}

	if err := provisional.TrySubstituteReceiverOutput(func() ([]byte, error) {
		return s.walletSvc.NewScript(ctx)
	}); err != nil {
		return nil, nil, err
	}

	proposal, err := provisional.FinalizeProposal(
		func(psbtBase64 string) (string, error) {
			return s.walletSvc.ProcessPsbt(ctx, psbtBase64)
		},
		s.cfg.MinFeeRate, s.cfg.MaxFeeRate,
	)
	if err != nil {
		return nil, nil, err
	}

	return proposal, originalOutpoints, nil
}

// expireSession runs at the scheduled session deadline: the session is
// marked expired and, when an original transaction was received but
// the negotiation never completed, the original is broadcast so the
// sender's payment still confirms.
func (s *Service) expireSession(sessionId string) {
	ctx := context.Background()
	logger := log.WithField("session", sessionId)

	session, err := s.repoManager.Sessions().Get(ctx, sessionId)
	if err != nil {
		logger.WithError(err).Warn("failed to load session at expiry")
		return
	}
	if session.Status != domain.SessionPending {
		return
	}

	session.Status = domain.SessionExpired
	if err := s.repoManager.Sessions().Update(ctx, *session); err != nil {
		logger.WithError(err).Warn("failed to expire session")
		return
	}

	if len(session.OriginalTx) > 0 {
		txid, err := s.walletSvc.BroadcastTransaction(ctx, session.OriginalTx)
		if err != nil {
			logger.WithError(err).Warn("failed to broadcast fallback tx")
			return
		}
		logger.WithField("txid", txid).Info("broadcast fallback tx for expired session")
		return
	}
	logger.Info("session expired")
}

func (s *Service) receiverFromSession(session *domain.Session) (*receive.Receiver, error) {
	directory, err := url.Parse(session.Directory)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	relay, err := url.Parse(session.OhttpRelay)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	keys, err := ohttp.DecodeKeys(session.OhttpKeys)
	if err != nil {
		return nil, err
	}
	return receive.RestoreReceiver(receive.ReceiverOpts{
		Address:    session.Address,
		Network:    s.cfg.Network,
		Directory:  directory,
		OhttpKeys:  keys,
		OhttpRelay: relay,
	}, session.SessionKey, time.Unix(session.ExpiresAt, 0))
}
