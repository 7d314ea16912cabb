package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	log "github.com/sirupsen/logrus"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/send"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/uri"
)

const pollInterval = 5 * time.Second

// SendPayjoin negotiates an outgoing payjoin: the signed original PSBT
// and the payee's BIP 21 URI go in, the broadcast txid comes out. On
// the v2 path the call polls the directory until the receiver answers
// or the context expires. When the receiver rejects or returns an
// invalid proposal the original transaction is broadcast instead, so
// the payment never silently stalls.
func (s *Service) SendPayjoin(
	ctx context.Context, uriStr, psbtBase64 string,
) (string, error) {
	pjUri, err := uri.Parse(uriStr)
	if err != nil {
		return "", err
	}
	builder, err := send.NewSenderBuilder(psbtBase64, pjUri, s.cfg.Network)
	if err != nil {
		return "", err
	}
	sender, err := builder.BuildRecommended(s.cfg.MinFeeRate)
	if err != nil {
		return "", err
	}

	proposal, err := s.negotiate(ctx, sender)
	if err != nil {
		var validationErr *send.ValidationError
		var responseErr *send.ResponseError
		if errors.As(err, &validationErr) || errors.As(err, &responseErr) {
			log.WithError(err).Warn("payjoin failed, broadcasting original transaction")
			return s.broadcastPsbt(ctx, psbtBase64)
		}
		return "", err
	}
	if proposal == "" {
		// The receiver never answered; the original still pays them.
		log.Warn("payjoin negotiation timed out, broadcasting original transaction")
		return s.broadcastPsbt(ctx, psbtBase64)
	}

	signed, err := s.walletSvc.ProcessPsbt(ctx, proposal)
	if err != nil {
		return "", fmt.Errorf("failed to sign payjoin proposal: %w", err)
	}
	return s.broadcastPsbt(ctx, signed)
}

// negotiate runs the extract/post/process loop. An empty proposal with
// a nil error means the context ran out while the v2 session was still
// pending.
func (s *Service) negotiate(ctx context.Context, sender *send.Sender) (string, error) {
	for {
		req, sendCtx, err := sender.ExtractHighestVersion(s.cfg.OhttpRelay, s.sealer)
		if err != nil {
			return "", err
		}
		body, err := s.directorySvc.Post(ctx, req)
		if err != nil {
			return "", fmt.Errorf("failed to post payjoin request: %w", err)
		}
		proposal, err := sendCtx.ProcessResponse(body)
		if err != nil {
			return "", err
		}
		if proposal != "" {
			return proposal, nil
		}

		select {
		case <-ctx.Done():
			return "", nil
		case <-time.After(pollInterval):
		}
	}
}

func (s *Service) broadcastPsbt(ctx context.Context, psbtBase64 string) (string, error) {
	packet, err := payjoin.ParsePsbt(psbtBase64)
	if err != nil {
		return "", err
	}
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return "", fmt.Errorf("failed to finalize psbt: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return "", fmt.Errorf("failed to extract transaction: %w", err)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	txid, err := s.walletSvc.BroadcastTransaction(ctx, buf.Bytes())
	if err != nil {
		return "", err
	}
	log.WithField("txid", txid).Info("transaction broadcast")
	return txid, nil
}
