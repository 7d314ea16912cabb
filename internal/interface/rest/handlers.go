package rest

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	log "github.com/sirupsen/logrus"

	"github.com/payjoinlabs/payjoind/internal/core/application"
	"github.com/payjoinlabs/payjoind/internal/core/domain"
	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/receive"
)

const maxBodySize = 1 << 20 // 1 MiB

type handler struct {
	svc *application.Service
}

type sessionView struct {
	Id          string `json:"id"`
	Address     string `json:"address"`
	Network     string `json:"network"`
	Amount      uint64 `json:"amount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	PayjoinTxid string `json:"payjoinTxid,omitempty"`
}

func toSessionView(session domain.Session) sessionView {
	return sessionView{
		Id:          session.Id,
		Address:     session.Address,
		Network:     session.Network,
		Amount:      session.Amount,
		Status:      session.Status.String(),
		CreatedAt:   time.Unix(session.CreatedAt, 0).Format(time.RFC3339),
		ExpiresAt:   time.Unix(session.ExpiresAt, 0).Format(time.RFC3339),
		PayjoinTxid: session.PayjoinTxid,
	}
}

func (h *handler) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": h.svc.BuildInfo.Version,
		"commit":  h.svc.BuildInfo.Commit,
		"date":    h.svc.BuildInfo.Date,
	})
}

func (h *handler) openSession(c *gin.Context) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, pjUri, err := h.svc.OpenSession(c.Request.Context(), req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session": toSessionView(*session),
		"uri":     pjUri,
	})
}

func (h *handler) listSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, toSessionView(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *handler) getSession(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toSessionView(*session))
}

func (h *handler) sessionQr(c *gin.Context) {
	pjUri, err := h.svc.SessionUri(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	png, err := qrcode.Encode(pjUri, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handler) pollSession(c *gin.Context) {
	session, err := h.svc.PollSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if receive.IsProtocolRejection(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toSessionView(*session))
}

func (h *handler) sendPayjoin(c *gin.Context) {
	var req struct {
		Uri  string `json:"uri"`
		Psbt string `json:"psbt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txid, err := h.svc.SendPayjoin(c.Request.Context(), req.Uri, req.Psbt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txid": txid})
}

// payjoinV1 is the synchronous BIP 78 endpoint. Protocol rejections
// map to the well-known JSON error bodies so conforming senders fall
// back to broadcasting their original transaction.
func (h *handler) payjoinV1(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, payjoinError(receive.CodeOriginalPsbtRejected, "unreadable request body"))
		return
	}

	proposal, err := h.svc.HandleV1Request(
		c.Request.Context(), body, c.Request.URL.Query(),
	)
	if err != nil {
		var protoErr *receive.ProtocolError
		if errors.As(err, &protoErr) {
			c.JSON(http.StatusBadRequest, payjoinError(protoErr.Code, protoErr.Message))
			return
		}
		// Internal failures must not leak details to an anonymous
		// sender.
		log.WithError(err).Error("payjoin request failed")
		c.JSON(http.StatusInternalServerError, payjoinError(receive.CodeUnavailable, "temporarily unavailable"))
		return
	}

	c.Data(http.StatusOK, payjoin.V1ContentType, []byte(proposal))
}

func payjoinError(code, message string) gin.H {
	return gin.H{"errorCode": code, "message": message}
}
