package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/internal/store"
)

// ContextOrganizationID is the context key for the organization that owns
// the addressed resource once access is granted.
const ContextOrganizationID = "organization_id"

// OrgResolver finds the organization owning the resource a request addresses.
type OrgResolver func(c *gin.Context) (uuid.UUID, error)

// Lookup is the read access the resolvers need.
type Lookup interface {
	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)
	GetSignup(ctx context.Context, id uuid.UUID) (*models.Signup, error)
}

// CourseOrg resolves the organization of the course in the :id parameter.
func CourseOrg(st Lookup) OrgResolver {
	return func(c *gin.Context) (uuid.UUID, error) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return uuid.Nil, apperr.Validation("id", "invalid course id")
		}
		course, err := st.GetCourse(c.Request.Context(), id)
		if err != nil {
			return uuid.Nil, store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		return course.OrganizationID, nil
	}
}

// SignupOrg resolves the organization of the signup in the :id parameter.
func SignupOrg(st Lookup) OrgResolver {
	return func(c *gin.Context) (uuid.UUID, error) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return uuid.Nil, apperr.Validation("id", "invalid signup id")
		}
		s, err := st.GetSignup(c.Request.Context(), id)
		if err != nil {
			return uuid.Nil, store.AsDomain(err, apperr.ErrSignupNotFound)
		}
		course, err := st.GetCourse(c.Request.Context(), s.CourseID)
		if err != nil {
			return uuid.Nil, store.AsDomain(err, apperr.ErrCourseNotFound)
		}
		return course.OrganizationID, nil
	}
}

// RequireOrgAccess lets admins through and instructors only for resources of
// their own organization. Call after JWT.
func RequireOrgAccess(resolve OrgResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsOf(c)
		if !ok {
			Error(c, apperr.ErrUnauthorized)
			return
		}
		orgID, err := resolve(c)
		if err != nil {
			Error(c, err)
			return
		}
		if !claims.CanManage(orgID) {
			Error(c, apperr.WithMetadata(apperr.CodeForbidden, "organization mismatch", nil))
			return
		}
		c.Set(ContextOrganizationID, orgID)
		c.Next()
	}
}
