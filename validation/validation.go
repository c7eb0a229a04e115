// Package validation lets a user on one host obtain an access token for another user's data.
//
// The requestor's host issues a short lived validation token (set), the data owner's host checks
// it (validate), asking the requestor's host to confirm it when they differ (verify), and mints
// an access token once per validation token.
package validation

import (
	"context"
	"net/url"
	"pdserver/config"
	"pdserver/contacts"
	"pdserver/errs"
	"pdserver/federation"
	"pdserver/logs"
	"pdserver/metrics"
	"pdserver/models"
	"pdserver/records"
	"pdserver/utils"
	"time"
)

const VerifyPath = "/ceps/perms/validationtoken/verify"

type Service struct {
	Tokens   *models.TokenStore
	Perms    *models.PermissionStore
	Contacts *contacts.Directory
	Client   *federation.Client
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Params identify what a validation token is good for. They travel as query or body fields
type Params struct {
	ValidationToken string `json:"validation_token" form:"validation_token"`
	RequestorUser   string `json:"requestor_user" form:"requestor_user"`
	RequestorHost   string `json:"requestor_host" form:"requestor_host"`
	DataOwnerUser   string `json:"data_owner_user" form:"data_owner_user"`
	DataOwnerHost   string `json:"data_owner_host" form:"data_owner_host"`
	Permission      string `json:"permission" form:"permission"`
	TableID         string `json:"table_id" form:"table_id"`
	AppID           string `json:"app_id" form:"app_id"`
	RecordID        string `json:"record_id" form:"record_id"`
}

func (p *Params) query() url.Values {
	v := url.Values{}
	v.Set("validation_token", p.ValidationToken)
	v.Set("requestor_user", p.RequestorUser)
	v.Set("data_owner_user", p.DataOwnerUser)
	v.Set("data_owner_host", p.DataOwnerHost)
	v.Set("permission", p.Permission)
	v.Set("table_id", p.TableID)
	v.Set("app_id", p.AppID)
	if p.RecordID != "" {
		v.Set("record_id", p.RecordID)
	}
	return v
}

type SetResult struct {
	ValidationToken string `json:"validation_token"`
	Expiration      int64  `json:"expiration"`
	RequestorHost   string `json:"requestor_host"`
}

// Set issues a token for the signed in requestor (RequestorUser and AppID come from its credential)
func (s *Service) Set(p Params) (*SetResult, error) {
	if p.RequestorUser == "" || p.AppID == "" {
		return nil, errs.Unauthorized("requestor not identified")
	}
	if p.DataOwnerUser == "" || p.Permission == "" || p.TableID == "" {
		return nil, errs.Validation("data_owner_user, permission and table_id are required")
	}
	t := &models.ValidationToken{
		Token:         utils.RandToken(),
		Expiration:    s.now().Add(time.Duration(config.VALIDATION_TOKEN_TTL) * time.Second).Unix(),
		RequestorUser: p.RequestorUser,
		RequestorHost: federation.NormalizeHost(s.Client.Self),
		DataOwnerUser: p.DataOwnerUser,
		DataOwnerHost: s.ownerHost(p.DataOwnerHost),
		Permission:    p.Permission,
		TableID:       p.TableID,
		AppID:         p.AppID,
		RecordID:      p.RecordID,
	}
	if err := s.Tokens.CreateValidationToken(t); err != nil {
		return nil, err
	}
	metrics.TokensMinted.WithLabelValues("validation").Inc()
	return &SetResult{ValidationToken: t.Token, Expiration: t.Expiration, RequestorHost: s.Client.Self}, nil
}

type ValidateResult struct {
	AccessToken string `json:"access_token"`
	Expiration  int64  `json:"expiration"`
	Owner       string `json:"data_owner_user"`
	AppID       string `json:"app_id"`
}

// Validate runs on the data owner's host and trades a validation token for an access token
func (s *Service) Validate(ctx context.Context, p Params) (*ValidateResult, error) {
	if p.ValidationToken == "" || p.RequestorUser == "" || p.DataOwnerUser == "" || p.Permission == "" || p.AppID == "" {
		return nil, errs.Validation("validation_token, requestor_user, data_owner_user, permission and app_id are required")
	}
	requestorKey := s.Client.Key(p.RequestorUser, p.RequestorHost)

	if p.DataOwnerUser != config.PUBLIC_USER {
		ok, err := s.Contacts.IsContact(p.DataOwnerUser, requestorKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Forbidden("requestor is not a contact")
		}
	}

	perm, err := s.Perms.Get(p.DataOwnerUser, p.AppID, p.Permission)
	if err != nil {
		return nil, err
	}
	if perm == nil || !perm.IsActive() || (p.TableID != "" && !perm.IncludesTable(p.TableID)) {
		return nil, errs.Forbidden("permission not granted")
	}
	granted, err := s.grantsRequestor(perm, p.DataOwnerUser, requestorKey)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, errs.Forbidden("requestor is not a grantee of " + p.Permission)
	}

	if s.Client.IsLocal(p.RequestorHost) {
		err = s.checkLocal(p)
	} else {
		err = s.checkRemote(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	redeemed, err := s.Tokens.Redeem(p.ValidationToken, requestorKey)
	if err != nil {
		logs.Error.Printf("validation: redeeming token for %s: %v", requestorKey, err)
		return nil, err
	}
	if !redeemed {
		return nil, errs.Forbidden("validation token already used")
	}

	access := &models.AccessToken{
		Token:       utils.RandToken(),
		OwnerID:     p.DataOwnerUser,
		RequestorID: requestorKey,
		AppName:     p.AppID,
		Expiration:  s.now().Add(time.Duration(config.ACCESS_TOKEN_TTL) * time.Second).Unix(),
	}
	if err = s.Tokens.CreateAccessToken(access); err != nil {
		return nil, err
	}
	metrics.TokensMinted.WithLabelValues("access").Inc()
	return &ValidateResult{AccessToken: access.Token, Expiration: access.Expiration, Owner: access.OwnerID, AppID: access.AppName}, nil
}

// grantsRequestor checks the permission's grantee list, directly, through a group or as _public
func (s *Service) grantsRequestor(perm *models.Permission, owner, requestorKey string) (bool, error) {
	if perm.HasGrantee(requestorKey) || perm.HasGrantee(records.GranteePublic) {
		return true, nil
	}
	groups, err := s.Contacts.GroupsOf(owner, requestorKey)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if perm.HasGrantee(records.GranteeGroupPrefix + g) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) lookup(p Params, host string) (*models.ValidationToken, error) {
	return s.Tokens.FindValidationToken(models.ValidationToken{
		Token:         p.ValidationToken,
		RequestorUser: p.RequestorUser,
		RequestorHost: host,
		DataOwnerUser: p.DataOwnerUser,
		DataOwnerHost: s.ownerHost(p.DataOwnerHost),
		Permission:    p.Permission,
		TableID:       p.TableID,
		AppID:         p.AppID,
		RecordID:      p.RecordID,
	})
}

// ownerHost is how a token records the data owner's host, this host when empty
func (s *Service) ownerHost(host string) string {
	if s.Client.IsLocal(host) {
		return federation.NormalizeHost(s.Client.Self)
	}
	return federation.NormalizeHost(host)
}

func (s *Service) checkLocal(p Params) error {
	t, err := s.lookup(p, federation.NormalizeHost(s.Client.Self))
	if err != nil {
		return err
	}
	if t == nil || t.Expired(s.now()) {
		return errs.Unauthorized("invalid or expired validation token")
	}
	consumed, err := s.Tokens.ConsumeValidationToken(t.ID)
	if err != nil {
		return err
	}
	if !consumed {
		return errs.Forbidden("validation token already used")
	}
	return nil
}

func (s *Service) checkRemote(ctx context.Context, p Params) error {
	q := p.query()
	q.Set("data_owner_host", s.Client.Self)
	var answer struct {
		Verified bool `json:"verified"`
	}
	if err := s.Client.GetJSON(ctx, p.RequestorHost, VerifyPath, q, &answer); err != nil {
		return err
	}
	if !answer.Verified {
		return errs.Unauthorized("requestor host did not confirm the validation token")
	}
	return nil
}

type VerifyResult struct {
	Verified bool `json:"verified"`
}

// Verify confirms a token this host issued is still valid. It reveals nothing else and changes nothing
func (s *Service) Verify(p Params) (*VerifyResult, error) {
	if p.ValidationToken == "" {
		return &VerifyResult{}, nil
	}
	t, err := s.lookup(p, federation.NormalizeHost(s.Client.Self))
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Verified: t != nil && !t.Expired(s.now())}, nil
}
