package service

import (
	"errors"
	"time"

	"github.com/adamanteye/veloquent-core/internal/auth"
	"github.com/adamanteye/veloquent-core/internal/config"
	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UserService 封装用户账号相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// LoginResult 登录或注册成功后返回的数据。
type LoginResult struct {
	Token string `json:"token"`
	// Created 表示本次请求注册了新用户
	Created bool `json:"-"`
}

// LoginOrRegister 校验用户名密码并签发 JWT；用户不存在时注册新账号。
func (s *UserService) LoginOrRegister(name, passwd string) (*LoginResult, error) {
	if name == "" || passwd == "" {
		return nil, BadRequestf("name or passwd is empty")
	}
	var user models.User
	err := s.db.Where("name = ?", name).First(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrap(err)
		}
		hash, err := auth.HashPassword(passwd)
		if err != nil {
			return nil, wrap(err)
		}
		user = models.User{Name: name, PasswordHash: hash}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, wrap(err)
		}
		log.Info().Str("name", name).Stringer("user", user.ID).Msg("create user")
		token, err := auth.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.TokenTTLHours)
		if err != nil {
			return nil, wrap(err)
		}
		return &LoginResult{Token: token, Created: true}, nil
	}
	if !auth.VerifyPassword(user.PasswordHash, passwd) {
		return nil, Unauthorizedf("wrong password")
	}
	token, err := auth.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.TokenTTLHours)
	if err != nil {
		return nil, wrap(err)
	}
	return &LoginResult{Token: token}, nil
}

// UserProfile 是对外输出的用户资料。
type UserProfile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Alias     *string   `json:"alias,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *UserService) Profile(userID uuid.UUID) (*UserProfile, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundf("cannot find user [%s]", userID)
		}
		return nil, wrap(err)
	}
	return &UserProfile{
		ID:        user.ID,
		Name:      user.Name,
		Alias:     user.Alias,
		Email:     user.Email,
		Phone:     user.Phone,
		CreatedAt: user.CreatedAt,
	}, nil
}

// ProfileEdit 中为 nil 的字段不参与修改。
type ProfileEdit struct {
	Alias *string `json:"alias"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

func (s *UserService) UpdateProfile(userID uuid.UUID, edit ProfileEdit) error {
	updates := map[string]any{}
	if edit.Alias != nil {
		updates["alias"] = *edit.Alias
	}
	if edit.Email != nil {
		updates["email"] = *edit.Email
	}
	if edit.Phone != nil {
		updates["phone"] = *edit.Phone
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFoundf("cannot find user [%s]", userID)
	}
	return nil
}

// UserFind 各条件之间用与连接，未提供的字段不参与查询。
type UserFind struct {
	Name  string
	Alias string
	Email string
	Phone string
}

// Find 按条件模糊查找用户，返回主键列表。
func (s *UserService) Find(params UserFind) ([]uuid.UUID, error) {
	var users []models.User
	q := s.db.Model(&models.User{})
	if params.Name != "" {
		q = q.Where("name LIKE ?", "%"+params.Name+"%")
	}
	if params.Alias != "" {
		q = q.Where("alias LIKE ?", "%"+params.Alias+"%")
	}
	if params.Email != "" {
		q = q.Where("email LIKE ?", "%"+params.Email+"%")
	}
	if params.Phone != "" {
		q = q.Where("phone LIKE ?", "%"+params.Phone+"%")
	}
	if err := q.Find(&users).Error; err != nil {
		return nil, wrap(err)
	}
	out := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out, nil
}

// Delete 注销账号，级联清理联系关系与群成员身份。
// 仍持有群主身份的用户必须先转让或解散群聊。
func (s *UserService) Delete(userID uuid.UUID) error {
	var owned int64
	err := s.db.Model(&models.Group{}).Where("owner_id = ?", userID).Count(&owned).Error
	if err != nil {
		return wrap(err)
	}
	if owned > 0 {
		return BadRequestf("transfer or delete owned groups first")
	}
	return wrap(s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Contact{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Contact{}).Where("ref_user_id = ?", userID).
			Update("ref_user_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Member{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.User{}, "id = ?", userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NotFoundf("cannot find user [%s]", userID)
		}
		return nil
	}))
}
