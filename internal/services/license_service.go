package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
	"keyserver/pkg/contracts/domain"
)

// LicenseCore is the lifecycle API of *license.Service.
type LicenseCore interface {
	Issue(ctx context.Context, req license.IssueRequest) (*license.License, error)
	Activate(ctx context.Context, req license.ActivateRequest) (*license.ActivationResult, error)
	ActivateWeb(ctx context.Context, req license.ActivateRequest) (*license.ActivationResult, error)
	CheckUserID(ctx context.Context, userID string) error
	Lookup(ctx context.Context, key, email string) (*license.License, error)
}

// LicenseService provides the license operations behind the HTTP surface.
type LicenseService interface {
	SendLicense(ctx context.Context, req domain.SendLicenseRequest) (*domain.SendLicenseResponse, error)
	ActivateLicense(ctx context.Context, req domain.ActivateLicenseRequest) (*domain.ActivateLicenseResponse, error)
	ActivateWeb(ctx context.Context, req domain.ActivateWebRequest) (*domain.ActivateLicenseResponse, error)
	TestUserID(ctx context.Context, userID string) (*domain.TestUserIDResponse, error)
	GetLicense(ctx context.Context, key string) (*domain.LicenseView, error)
	ServerStatus(ctx context.Context) *domain.ServerStatusResponse
}

// ServerInfo describes the running configuration for the status endpoint.
type ServerInfo struct {
	ProductName     string
	Version         string
	Provider        string
	EmailConfigured bool
	StoreDriver     string
}

type licenseService struct {
	core   LicenseCore
	info   ServerInfo
	logger *slog.Logger
	now    func() time.Time
}

// NewLicenseService wraps core for the transport layer.
func NewLicenseService(core LicenseCore, info ServerInfo, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		core:   core,
		info:   info,
		logger: logger.With(slog.String("service", "license")),
		now:    time.Now,
	}
}

// SendLicense issues a key. When the key was minted but could not be sent
// the response still carries it alongside the error, so the caller is not
// left with a consumed User ID and no key.
func (s *licenseService) SendLicense(ctx context.Context, req domain.SendLicenseRequest) (*domain.SendLicenseResponse, error) {
	lic, err := s.core.Issue(ctx, license.IssueRequest{
		Email:  req.Email,
		UserID: req.UserID,
		Name:   req.Name,
		Phone:  req.PhoneNumber,
	})
	if err != nil {
		if lic != nil {
			return &domain.SendLicenseResponse{Status: domain.StatusError, LicenseKey: lic.LicenseKey}, err
		}
		return nil, err
	}

	if !s.info.EmailConfigured {
		return &domain.SendLicenseResponse{
			Status:     domain.StatusSuccess,
			Message:    apperrors.MsgEmailNotSetUp,
			LicenseKey: lic.LicenseKey,
		}, nil
	}
	return &domain.SendLicenseResponse{Status: domain.StatusSuccess, Message: apperrors.MsgLicenseSent}, nil
}

func (s *licenseService) ActivateLicense(ctx context.Context, req domain.ActivateLicenseRequest) (*domain.ActivateLicenseResponse, error) {
	res, err := s.core.Activate(ctx, license.ActivateRequest{
		Email:      req.Email,
		LicenseKey: req.LicenseKey,
		MachineID:  req.MachineID,
	})
	if err != nil {
		return nil, err
	}
	return activationResponse(res), nil
}

func (s *licenseService) ActivateWeb(ctx context.Context, req domain.ActivateWebRequest) (*domain.ActivateLicenseResponse, error) {
	res, err := s.core.ActivateWeb(ctx, license.ActivateRequest{
		Email:      req.Email,
		LicenseKey: req.LicenseKey,
		MachineID:  req.MachineID,
	})
	if err != nil {
		return nil, err
	}
	return activationResponse(res), nil
}

func activationResponse(res *license.ActivationResult) *domain.ActivateLicenseResponse {
	resp := &domain.ActivateLicenseResponse{MachineID: res.MachineID}
	if res.License != nil {
		resp.ActivatedAt = res.License.ActivatedAt
	}
	if res.Outcome == license.OutcomeAlreadyActivated {
		resp.Status = domain.StatusAlreadyActivated
		resp.Message = apperrors.MsgAlreadyActive
	} else {
		resp.Status = domain.StatusValid
		resp.Message = apperrors.MsgActivated
	}
	return resp
}

// TestUserID reports availability without consuming the id. A rejected id
// is a successful check with isValidAndUnused false.
func (s *licenseService) TestUserID(ctx context.Context, userID string) (*domain.TestUserIDResponse, error) {
	err := s.core.CheckUserID(ctx, userID)
	resp := &domain.TestUserIDResponse{Status: domain.StatusSuccess, UserID: userID}

	switch license.KindOf(err) {
	case license.KindUnknown:
		if err != nil {
			return nil, err
		}
		resp.IsValidAndUnused = true
		resp.Message = apperrors.MsgUserIDValid
	case license.KindInvalidID, license.KindAlreadyUsed:
		resp.Message = UserIDMessage(userID, err)
	default:
		return nil, err
	}
	return resp, nil
}

// GetLicense returns the masked view of a record.
func (s *licenseService) GetLicense(ctx context.Context, key string) (*domain.LicenseView, error) {
	lic, err := s.core.Lookup(ctx, key, "")
	if err != nil {
		return nil, err
	}
	return &domain.LicenseView{
		LicenseKey:   license.MaskLicenseKey(lic.LicenseKey),
		Status:       string(lic.EffectiveStatus()),
		CreatedAt:    lic.CreatedAt,
		ActivatedAt:  lic.ActivatedAt,
		MachineBound: lic.MachineID != "",
	}, nil
}

func (s *licenseService) ServerStatus(ctx context.Context) *domain.ServerStatusResponse {
	return &domain.ServerStatusResponse{
		Status:          domain.StatusSuccess,
		Message:         fmt.Sprintf("%s License Server is running", s.info.ProductName),
		Timestamp:       s.now().UTC(),
		EmailConfigured: s.info.EmailConfigured,
		Provider:        s.info.Provider,
		StoreDriver:     s.info.StoreDriver,
		Version:         s.info.Version,
	}
}

// UserIDMessage is the client-facing text for a rejected User ID.
func UserIDMessage(userID string, err error) string {
	switch license.KindOf(err) {
	case license.KindInvalidID:
		return fmt.Sprintf("User ID '%s' is not a valid ID.", userID)
	case license.KindAlreadyUsed:
		return fmt.Sprintf("User ID '%s' has already been used.", userID)
	default:
		return ""
	}
}
