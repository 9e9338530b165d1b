package handlers

import (
	"net/http"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/c2b"
	"paylink/internal/models"
	"paylink/pkg/middleware"
)

// CreateLinkRequest configures a new payment link.
type CreateLinkRequest struct {
	ExternalID            string   `json:"externalId"`
	Label                 string   `json:"label"`
	Currency              string   `json:"currency" binding:"required"`
	Rails                 []string `json:"rails" binding:"required"`
	WebhookURL            string   `json:"webhookUrl"`
	WebhookSecret         string   `json:"webhookSecret"`
	PaymentTimeoutSeconds int      `json:"paymentTimeoutSeconds"`
}

// LinkResponse is the merchant-facing view of a link. The webhook secret is
// write-only.
type LinkResponse struct {
	ID             string   `json:"id"`
	ExternalID     string   `json:"externalId,omitempty"`
	Label          string   `json:"label"`
	Status         string   `json:"status"`
	Currency       string   `json:"currency"`
	Rails          []string `json:"rails"`
	WebhookURL     string   `json:"webhookUrl,omitempty"`
	PaymentTimeout string   `json:"paymentTimeout"`
	Enrolled       bool     `json:"enrolled"`
	CreatedAt      string   `json:"createdAt"`
}

func linkResponse(link *models.Link) LinkResponse {
	railNames := make([]string, len(link.Rails))
	for i, r := range link.Rails {
		railNames[i] = string(r)
	}
	return LinkResponse{
		ID:             link.ID,
		ExternalID:     link.ExternalID,
		Label:          link.Label,
		Status:         link.Status,
		Currency:       link.Currency,
		Rails:          railNames,
		WebhookURL:     link.WebhookURL,
		PaymentTimeout: link.PaymentTimeout.String(),
		Enrolled:       link.Enrolled(),
		CreatedAt:      link.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateLink serves POST /v1/links.
func CreateLink(c middleware.Context) {
	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	linkRails := make([]models.Rail, 0, len(req.Rails))
	for _, name := range req.Rails {
		rail := models.Rail(name)
		if _, ok := registry.Get(rail); !ok {
			respondError(c, apperr.Validation("unknown rail %q", name))
			return
		}
		linkRails = append(linkRails, rail)
	}
	if len(linkRails) == 0 {
		respondError(c, apperr.Validation("at least one rail is required"))
		return
	}

	secret := req.WebhookSecret
	if secret != "" && fieldCrypt != nil {
		encrypted, err := fieldCrypt.Encrypt(secret)
		if err != nil {
			respondError(c, err)
			return
		}
		secret = encrypted
	}

	timeout := time.Duration(req.PaymentTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}

	now := time.Now()
	link := &models.Link{
		ID:             models.NewID(models.PrefixLink),
		MerchantID:     c.GetString("merchant_id"),
		ExternalID:     req.ExternalID,
		Label:          req.Label,
		Status:         models.LinkStatusActive,
		Currency:       req.Currency,
		Rails:          linkRails,
		WebhookURL:     req.WebhookURL,
		WebhookSecret:  secret,
		PaymentTimeout: timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateLink(c.Request.Context(), link); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, linkResponse(link))
}

// ListLinks serves GET /v1/links.
func ListLinks(c middleware.Context) {
	links, err := st.ListLinks(c.Request.Context(), c.GetString("merchant_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]LinkResponse, 0, len(links))
	for _, link := range links {
		out = append(out, linkResponse(link))
	}
	c.JSON(http.StatusOK, out)
}

// GetLink serves GET /v1/links/:id.
func GetLink(c middleware.Context) {
	link, err := requireOwnedLink(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkResponse(link))
}

// UpdateLinkRequest patches link configuration. Nil fields stay untouched.
type UpdateLinkRequest struct {
	Label                 *string `json:"label"`
	Status                *string `json:"status"`
	WebhookURL            *string `json:"webhookUrl"`
	WebhookSecret         *string `json:"webhookSecret"`
	PaymentTimeoutSeconds *int    `json:"paymentTimeoutSeconds"`
}

// UpdateLink serves PATCH /v1/links/:id.
func UpdateLink(c middleware.Context) {
	link, err := requireOwnedLink(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	if req.Status != nil {
		if *req.Status != models.LinkStatusActive && *req.Status != models.LinkStatusInactive {
			respondError(c, apperr.Validation("unknown link status %q", *req.Status))
			return
		}
		if err := st.UpdateLinkStatus(c.Request.Context(), link.ID, *req.Status); err != nil {
			respondError(c, err)
			return
		}
		link.Status = *req.Status
	}

	if req.Label != nil {
		link.Label = *req.Label
	}
	if req.WebhookURL != nil {
		link.WebhookURL = *req.WebhookURL
	}
	if req.WebhookSecret != nil {
		secret := *req.WebhookSecret
		if secret != "" && fieldCrypt != nil {
			encrypted, err := fieldCrypt.Encrypt(secret)
			if err != nil {
				respondError(c, err)
				return
			}
			secret = encrypted
		}
		link.WebhookSecret = secret
	}
	if req.PaymentTimeoutSeconds != nil && *req.PaymentTimeoutSeconds > 0 {
		link.PaymentTimeout = time.Duration(*req.PaymentTimeoutSeconds) * time.Second
	}

	if req.Label != nil || req.WebhookURL != nil || req.WebhookSecret != nil || req.PaymentTimeoutSeconds != nil {
		if err := st.UpdateLinkConfig(c.Request.Context(), link); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, linkResponse(link))
}

// EnrollLinkRequest registers the link with the C2B provider.
type EnrollLinkRequest struct {
	MerchantName string `json:"merchantName"`
	Country      string `json:"country" binding:"required"`
	MerchantMCC  string `json:"merchantMcc"`
}

// EnrollLink serves POST /v1/links/:id/enroll.
func EnrollLink(c middleware.Context) {
	link, err := requireOwnedLink(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if enroller == nil {
		respondError(c, apperr.Provider(nil, "provider enrollment is not configured"))
		return
	}

	var req EnrollLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	link, err = enroller.EnrollLink(c.Request.Context(), link, c2b.EnrollmentRequest{
		MerchantName: req.MerchantName,
		Country:      req.Country,
		MerchantMCC:  req.MerchantMCC,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, linkResponse(link))
}
