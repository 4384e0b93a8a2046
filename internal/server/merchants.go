package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
)

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin/merchants/:merchant_id")
	admin.Use(s.AdminKeyRequired())

	admin.POST("/crypto", s.EnableMerchantCrypto)
	admin.GET("/wallets", s.ListMerchantWallets)
}

type enableCryptoRequest struct {
	Pairs []walletdomain.Pair `json:"pairs"`
}

type enableCryptoResult struct {
	Chain   string                      `json:"chain"`
	Asset   string                      `json:"asset"`
	Address *walletdomain.WalletAddress `json:"address,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

func (s *Server) EnableMerchantCrypto(c *gin.Context) {
	merchantID, ok := merchantIDParam(c)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req enableCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.Pairs) == 0 {
		AbortWithError(c, newValidationError("pairs", "required", "at least one chain and asset pair is required"))
		return
	}

	results, err := s.wallets.EnableCrypto(c.Request.Context(), merchantID, req.Pairs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]enableCryptoResult, 0, len(results))
	for _, r := range results {
		item := enableCryptoResult{Chain: r.Pair.Chain, Asset: r.Pair.Asset, Address: r.Address}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) ListMerchantWallets(c *gin.Context) {
	merchantID, ok := merchantIDParam(c)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	items, err := s.wallets.ListByUser(c.Request.Context(), merchantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": items})
}

func merchantIDParam(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("merchant_id"))
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
