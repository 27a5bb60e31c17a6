package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaperFox/app/models"
	"github.com/ManuelReschke/PaperFox/app/repository"
	"github.com/ManuelReschke/PaperFox/internal/pkg/hcaptcha"
	"github.com/ManuelReschke/PaperFox/internal/pkg/session"
	"github.com/ManuelReschke/PaperFox/internal/pkg/usercontext"
)

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"required,email,max=200"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Captcha  string `json:"h-captcha-response"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// CaptchaVerifier checks registration captcha tokens.
type CaptchaVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, token string) error
}

// AuthController handles session login for the JSON API
type AuthController struct {
	users    repository.UserRepository
	captcha  CaptchaVerifier
	validate *validator.Validate
}

// NewAuthController creates a new auth controller with repository. captcha may be nil.
func NewAuthController(users repository.UserRepository, captcha CaptchaVerifier) *AuthController {
	return &AuthController{
		users:    users,
		captcha:  captcha,
		validate: validator.New(),
	}
}

// HandleRegister creates an account. New accounts start on the free plan.
func (ac *AuthController) HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "malformed request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := ac.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}

	if ac.captcha != nil && ac.captcha.Enabled() {
		ctx, cancel := requestContext(c)
		err := ac.captcha.Verify(ctx, req.Captcha)
		cancel()
		if err != nil {
			log.Infof("[Auth] Captcha rejected for %s: %v", GetClientIP(c), err)
			return jsonError(c, fiber.StatusBadRequest, "captcha_failed", "captcha validation failed")
		}
	}

	if _, err := ac.users.GetByEmail(req.Email); err == nil {
		return jsonError(c, fiber.StatusConflict, "email_taken", "an account with this email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Auth] Email lookup failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "registration failed")
	}

	user, err := models.CreateUser(req.Name, req.Email, req.Password)
	if err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}
	if err := ac.users.Create(user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return jsonError(c, fiber.StatusConflict, "email_taken", "an account with this email already exists")
		}
		log.Errorf("[Auth] Creating user failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "registration failed")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":                  user.ID,
		"name":                user.Name,
		"email":               user.Email,
		"subscription_plan":   user.SubscriptionPlan,
		"subscription_status": user.SubscriptionStatus,
	})
}

// HandleLogin checks the credentials and opens a session.
func (ac *AuthController) HandleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if err := ac.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}

	// Do not tell the client which part of the credentials was wrong.
	user, err := ac.users.GetByEmail(req.Email)
	if err != nil || !user.CheckPassword(req.Password) {
		log.Infof("[Auth] Failed login for %q from %s", req.Email, GetClientIP(c))
		return jsonError(c, fiber.StatusUnauthorized, "invalid_credentials", "there is a problem with the login process")
	}
	if !user.IsActive() {
		return jsonError(c, fiber.StatusForbidden, "account_disabled", "account is not active")
	}

	store := session.GetSessionStore()
	if store == nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session store not initialized")
	}
	sess, err := store.Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session could not be loaded")
	}
	if err := sess.Regenerate(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session could not be created")
	}
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUsername, user.Name)
	sess.Set(usercontext.KeyIsAdmin, user.IsAdmin())
	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session could not be saved")
	}

	if err := ac.users.TouchLastLogin(user.ID); err != nil {
		log.Warnf("[Auth] Could not update last login for user %d: %v", user.ID, err)
	}

	return c.JSON(fiber.Map{
		"id":       user.ID,
		"name":     user.Name,
		"email":    user.Email,
		"is_admin": user.IsAdmin(),
	})
}

// HandleLogout destroys the current session.
func (ac *AuthController) HandleLogout(c *fiber.Ctx) error {
	if store := session.GetSessionStore(); store != nil {
		if sess, err := store.Get(c); err == nil {
			if err := sess.Destroy(); err != nil {
				return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session could not be destroyed")
			}
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

var authController *AuthController

// InitializeAuthController initializes the global auth controller
func InitializeAuthController() {
	authController = NewAuthController(repository.GetGlobalFactory().GetUserRepository(), hcaptcha.NewVerifierFromEnv())
}

// GetAuthController returns the global auth controller instance
func GetAuthController() *AuthController {
	if authController == nil {
		InitializeAuthController()
	}
	return authController
}

func HandleAuthRegister(c *fiber.Ctx) error {
	return GetAuthController().HandleRegister(c)
}

func HandleAuthLogin(c *fiber.Ctx) error {
	return GetAuthController().HandleLogin(c)
}

func HandleAuthLogout(c *fiber.Ctx) error {
	return GetAuthController().HandleLogout(c)
}
